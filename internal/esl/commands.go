package esl

import (
	"context"
	"fmt"
	"strings"
)

// Hangup causes understood by the engine. The cause lands in the
// CHANNEL_HANGUP event and in billing records downstream.
const (
	CauseNormalClearing        = "NORMAL_CLEARING"
	CauseCallRejected          = "CALL_REJECTED"
	CauseUserBusy              = "USER_BUSY"
	CauseAllottedTimeout       = "ALLOTTED_TIMEOUT"
	CauseRecoveryOnTimerExpire = "RECOVERY_ON_TIMER_EXPIRE"
	CauseTemporaryFailure      = "TEMPORARY_FAILURE"
)

// Answer picks up the channel.
func (c *Client) Answer(ctx context.Context, uuid string) error {
	return c.apiOK(ctx, fmt.Sprintf("uuid_answer %s", uuid))
}

// Broadcast plays an audio file into the channel's A leg.
func (c *Client) Broadcast(ctx context.Context, uuid, path string) error {
	return c.apiOK(ctx, fmt.Sprintf("uuid_broadcast %s %s aleg", uuid, path))
}

// Transfer moves the channel to a dialplan destination.
func (c *Client) Transfer(ctx context.Context, uuid, destination string) error {
	return c.apiOK(ctx, fmt.Sprintf("uuid_transfer %s %s", uuid, destination))
}

// Hangup ends the channel with an explicit cause.
func (c *Client) Hangup(ctx context.Context, uuid, cause string) error {
	if cause == "" {
		cause = CauseNormalClearing
	}
	return c.apiOK(ctx, fmt.Sprintf("uuid_kill %s %s", uuid, cause))
}

// StartRecording records both legs of the channel to path.
func (c *Client) StartRecording(ctx context.Context, uuid, path string) error {
	return c.apiOK(ctx, fmt.Sprintf("uuid_record %s start %s", uuid, path))
}

// StopRecording stops a recording started with StartRecording.
func (c *Client) StopRecording(ctx context.Context, uuid, path string) error {
	return c.apiOK(ctx, fmt.Sprintf("uuid_record %s stop %s", uuid, path))
}

// SetVar sets a channel variable.
func (c *Client) SetVar(ctx context.Context, uuid, name, value string) error {
	return c.apiOK(ctx, fmt.Sprintf("uuid_setvar %s %s %s", uuid, name, value))
}

// GetVar reads a channel variable. An unset variable comes back empty.
func (c *Client) GetVar(ctx context.Context, uuid, name string) (string, error) {
	reply, err := c.API(ctx, fmt.Sprintf("uuid_getvar %s %s", uuid, name))
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", fmt.Errorf("uuid_getvar %s: %s", name, reply.Text)
	}
	value := strings.TrimSpace(reply.Body)
	if value == "_undef_" {
		return "", nil
	}
	return value, nil
}

// Status returns the engine's status report, used by health checks.
func (c *Client) Status(ctx context.Context) (string, error) {
	reply, err := c.API(ctx, "status")
	if err != nil {
		return "", err
	}
	if !reply.OK {
		return "", fmt.Errorf("status: %s", reply.Text)
	}
	return reply.Body, nil
}

// Ping verifies the socket is alive and answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}

func (c *Client) apiOK(ctx context.Context, cmd string) error {
	reply, err := c.API(ctx, cmd)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%s: %s", firstWord(cmd), reply.Text)
	}
	return nil
}
