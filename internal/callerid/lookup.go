package callerid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Identity is the normalized result of matching a raw caller id against
// known users. Derived fresh per call; never cached across calls.
type Identity struct {
	Normalized  string `json:"normalized"`
	UserID      string `json:"user_id,omitempty"`
	Recognized  bool   `json:"recognized"`
	IsCustomer  bool   `json:"is_customer"`
	DisplayName string `json:"display_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
}

// Resolution bundles everything the call manager needs to start a conversation.
type Resolution struct {
	Identity Identity
	// Context is the conversational-context bundle for known customers,
	// opaque to this core. Empty for everyone else.
	Context  string
	Greeting string
}

// LineInfo is the slice of the voice line the resolver needs. The manager
// maps its own line record into this to avoid a package cycle.
type LineInfo struct {
	ID          string
	TenantID    string
	Welcome     string
	CountryCode string // E.164 prefix of the line's home country, e.g. "+39"
}

// User is a matched person from the directory.
type User struct {
	ID          string
	DisplayName string
	FirstName   string
}

// Directory is the pluggable business-record lookup. Absence of a match is a
// normal outcome, reported via the bool, never an error.
type Directory interface {
	FindUserByPhone(ctx context.Context, phone string) (User, bool, error)
	IsCustomerOfLine(ctx context.Context, lineID, userID string) (bool, error)
}

// ContextBuilder produces the full conversational-context bundle for a known
// customer. It lives outside this core.
type ContextBuilder interface {
	BuildContext(ctx context.Context, userID string) (string, error)
}

const genericWelcome = "Hello, thank you for calling. How can I help you today?"

// Resolver turns raw caller ids into identities and greetings.
//
// Transient directory or context-builder errors degrade to "no data": the
// call proceeds with a neutral greeting rather than failing admission.
type Resolver struct {
	dir     Directory
	builder ContextBuilder

	defaultCountry string

	log   *slog.Logger
	clock func() time.Time
}

func NewResolver(dir Directory, builder ContextBuilder, defaultCountry string, log *slog.Logger) *Resolver {
	return &Resolver{
		dir:            dir,
		builder:        builder,
		defaultCountry: defaultCountry,
		log:            log,
		clock:          time.Now,
	}
}

// Resolve normalizes rawCallerID, matches it (and historical format variants)
// against known users, classifies customer status for the dialed line, and
// builds the greeting.
func (r *Resolver) Resolve(ctx context.Context, rawCallerID string, line LineInfo) Resolution {
	country := line.CountryCode
	if country == "" {
		country = r.defaultCountry
	}

	normalized := Normalize(rawCallerID, country)
	identity := Identity{Normalized: normalized}

	if normalized == "" {
		return Resolution{Identity: identity, Greeting: r.unrecognizedGreeting(line)}
	}

	user, found := r.matchUser(ctx, normalized, country)
	if !found {
		return Resolution{Identity: identity, Greeting: r.unrecognizedGreeting(line)}
	}

	identity.Recognized = true
	identity.UserID = user.ID
	identity.DisplayName = user.DisplayName
	identity.FirstName = user.FirstName

	isCustomer, err := r.dir.IsCustomerOfLine(ctx, line.ID, user.ID)
	if err != nil {
		r.log.Warn("customer lookup failed, treating as non-customer", "user", user.ID, "line", line.ID, "err", err)
		isCustomer = false
	}
	identity.IsCustomer = isCustomer

	res := Resolution{Identity: identity}
	if isCustomer {
		res.Greeting = r.customerGreeting(user)
		if r.builder != nil {
			bundle, err := r.builder.BuildContext(ctx, user.ID)
			if err != nil {
				r.log.Warn("context build failed, continuing without", "user", user.ID, "err", err)
			} else {
				res.Context = bundle
			}
		}
		return res
	}

	res.Greeting = "Welcome back! How can I help you today?"
	return res
}

// matchUser tries the normalized number plus historical format variants.
func (r *Resolver) matchUser(ctx context.Context, normalized, country string) (User, bool) {
	for _, variant := range Variants(normalized, country) {
		user, found, err := r.dir.FindUserByPhone(ctx, variant)
		if err != nil {
			r.log.Warn("user lookup failed, treating as unknown", "err", err)
			return User{}, false
		}
		if found {
			return user, true
		}
	}
	return User{}, false
}

func (r *Resolver) customerGreeting(user User) string {
	name := user.FirstName
	if name == "" {
		name = user.DisplayName
	}
	salutation := timeOfDaySalutation(r.clock())
	if name == "" {
		return fmt.Sprintf("%s, welcome back! How can I help you today?", salutation)
	}
	return fmt.Sprintf("%s %s, welcome back! How can I help you today?", salutation, name)
}

func (r *Resolver) unrecognizedGreeting(line LineInfo) string {
	if strings.TrimSpace(line.Welcome) != "" {
		return line.Welcome
	}
	return genericWelcome
}

func timeOfDaySalutation(now time.Time) string {
	switch h := now.Hour(); {
	case h < 12:
		return "Good morning"
	case h < 18:
		return "Good afternoon"
	default:
		return "Good evening"
	}
}

// Normalize canonicalizes a raw caller id into international form:
// formatting characters are stripped, "00" international prefixes become "+",
// and bare national numbers get the line's home country code.
func Normalize(raw, countryCode string) string {
	var b strings.Builder
	for i, ch := range raw {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		}
	}
	n := b.String()
	if n == "" || n == "+" {
		return ""
	}

	if strings.HasPrefix(n, "+") {
		return n
	}
	if strings.HasPrefix(n, "00") {
		return "+" + n[2:]
	}
	// Bare national format: assume the line's home country.
	return countryCode + n
}

// Variants returns the historical storage formats a normalized number may
// have been recorded in: E.164, digits-only, 00-prefixed, and the bare
// national part for the line's home country.
func Variants(normalized, countryCode string) []string {
	if normalized == "" {
		return nil
	}
	digits := strings.TrimPrefix(normalized, "+")
	out := []string{normalized, digits, "00" + digits}
	if cc := strings.TrimPrefix(countryCode, "+"); cc != "" && strings.HasPrefix(digits, cc) {
		if national := digits[len(cc):]; national != "" {
			out = append(out, national)
		}
	}
	return out
}
