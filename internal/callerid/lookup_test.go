package callerid

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type fakeDirectory struct {
	users     map[string]User
	customers map[string]bool // "lineID/userID"
	userErr   error
	lookups   []string
}

func (f *fakeDirectory) FindUserByPhone(_ context.Context, phone string) (User, bool, error) {
	f.lookups = append(f.lookups, phone)
	if f.userErr != nil {
		return User{}, false, f.userErr
	}
	u, ok := f.users[phone]
	return u, ok, nil
}

func (f *fakeDirectory) IsCustomerOfLine(_ context.Context, lineID, userID string) (bool, error) {
	return f.customers[lineID+"/"+userID], nil
}

type fakeBuilder struct {
	bundle string
	err    error
}

func (f *fakeBuilder) BuildContext(context.Context, string) (string, error) {
	return f.bundle, f.err
}

func newTestResolver(dir Directory, builder ContextBuilder, hour int) *Resolver {
	r := NewResolver(dir, builder, "+39", slog.Default())
	r.clock = func() time.Time {
		return time.Date(2025, 6, 2, hour, 0, 0, 0, time.UTC)
	}
	return r
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw, country, want string
	}{
		{"+39 123 4567", "+39", "+391234567"},
		{"0039-123-4567", "+39", "+391234567"},
		{"(333) 123.4567", "+39", "+393331234567"},
		{"+14155552671", "+39", "+14155552671"},
		{"anonymous", "+39", ""},
		{"", "+39", ""},
		{"+", "+39", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.raw, c.country); got != c.want {
			t.Fatalf("Normalize(%q, %q) = %q, want %q", c.raw, c.country, got, c.want)
		}
	}
}

func TestVariants_IncludesNationalForm(t *testing.T) {
	got := Variants("+393331234567", "+39")
	want := []string{"+393331234567", "393331234567", "00393331234567", "3331234567"}
	if len(got) != len(want) {
		t.Fatalf("variants = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("variant %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolve_CustomerGetsPersonalizedGreetingAndContext(t *testing.T) {
	dir := &fakeDirectory{
		users:     map[string]User{"+391234567": {ID: "u1", DisplayName: "Mario Rossi", FirstName: "Mario"}},
		customers: map[string]bool{"line-1/u1": true},
	}
	r := newTestResolver(dir, &fakeBuilder{bundle: "order history"}, 9)

	res := r.Resolve(context.Background(), "+39 123 4567", LineInfo{ID: "line-1", CountryCode: "+39"})
	if !res.Identity.Recognized || !res.Identity.IsCustomer {
		t.Fatalf("expected recognized customer, got %+v", res.Identity)
	}
	if want := "Good morning Mario, welcome back! How can I help you today?"; res.Greeting != want {
		t.Fatalf("greeting = %q, want %q", res.Greeting, want)
	}
	if res.Context != "order history" {
		t.Fatalf("context = %q", res.Context)
	}
}

func TestResolve_SalutationTracksTimeOfDay(t *testing.T) {
	dir := &fakeDirectory{
		users:     map[string]User{"+391234567": {ID: "u1", FirstName: "Mario"}},
		customers: map[string]bool{"line-1/u1": true},
	}
	for hour, want := range map[int]string{9: "Good morning", 15: "Good afternoon", 21: "Good evening"} {
		r := newTestResolver(dir, nil, hour)
		res := r.Resolve(context.Background(), "+391234567", LineInfo{ID: "line-1"})
		if !strings.HasPrefix(res.Greeting, want) {
			t.Fatalf("hour %d: greeting %q should start with %q", hour, res.Greeting, want)
		}
	}
}

func TestResolve_RecognizedNonCustomerGetsNeutralWelcomeBack(t *testing.T) {
	dir := &fakeDirectory{
		users:     map[string]User{"+391234567": {ID: "u1", FirstName: "Mario"}},
		customers: map[string]bool{},
	}
	r := newTestResolver(dir, &fakeBuilder{bundle: "should not be built"}, 9)

	res := r.Resolve(context.Background(), "+391234567", LineInfo{ID: "line-1"})
	if !res.Identity.Recognized || res.Identity.IsCustomer {
		t.Fatalf("expected recognized non-customer, got %+v", res.Identity)
	}
	if strings.Contains(res.Greeting, "Mario") {
		t.Fatalf("non-customer greeting must not use the name: %q", res.Greeting)
	}
	if res.Context != "" {
		t.Fatalf("non-customer must not receive a context bundle")
	}
}

func TestResolve_UnknownCallerGetsLineWelcome(t *testing.T) {
	r := newTestResolver(&fakeDirectory{users: map[string]User{}}, nil, 9)

	res := r.Resolve(context.Background(), "+391234567", LineInfo{ID: "line-1", Welcome: "Thanks for calling Acme!"})
	if res.Identity.Recognized {
		t.Fatalf("unexpected recognition: %+v", res.Identity)
	}
	if res.Greeting != "Thanks for calling Acme!" {
		t.Fatalf("greeting = %q", res.Greeting)
	}

	res = r.Resolve(context.Background(), "+391234567", LineInfo{ID: "line-1"})
	if res.Greeting != genericWelcome {
		t.Fatalf("expected generic fallback, got %q", res.Greeting)
	}
}

func TestResolve_MatchesHistoricalNationalFormat(t *testing.T) {
	dir := &fakeDirectory{
		users: map[string]User{"3331234567": {ID: "u1", FirstName: "Anna"}},
	}
	r := newTestResolver(dir, nil, 9)

	res := r.Resolve(context.Background(), "+393331234567", LineInfo{ID: "line-1", CountryCode: "+39"})
	if !res.Identity.Recognized || res.Identity.UserID != "u1" {
		t.Fatalf("expected match via national variant, got %+v", res.Identity)
	}
}

func TestResolve_DirectoryErrorDegradesToUnknown(t *testing.T) {
	dir := &fakeDirectory{userErr: errors.New("db down")}
	r := newTestResolver(dir, nil, 9)

	res := r.Resolve(context.Background(), "+391234567", LineInfo{ID: "line-1"})
	if res.Identity.Recognized {
		t.Fatalf("lookup error must degrade to unrecognized")
	}
	if res.Greeting == "" {
		t.Fatalf("caller still needs a greeting")
	}
}

func TestResolve_AnonymousCallerNeverMatched(t *testing.T) {
	dir := &fakeDirectory{users: map[string]User{}}
	r := newTestResolver(dir, nil, 9)

	res := r.Resolve(context.Background(), "anonymous", LineInfo{ID: "line-1"})
	if res.Identity.Normalized != "" || res.Identity.Recognized {
		t.Fatalf("anonymous must stay unresolved, got %+v", res.Identity)
	}
	if len(dir.lookups) != 0 {
		t.Fatalf("no directory lookups expected for anonymous callers")
	}
}
