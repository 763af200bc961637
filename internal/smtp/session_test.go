package smtp

import (
	"crypto/tls"
	"testing"

	"github.com/infodancer/pop3d/internal/config"
)

func TestSessionTransactionLifecycle(t *testing.T) {
	sess := NewSession("mail.example.test", "example.test", false, 1024, config.ModeSMTP, nil, false)

	if sess.State() != StateConnected {
		t.Fatalf("expected initial state Connected, got %v", sess.State())
	}

	sess.Greet()
	if !sess.Greeted() {
		t.Fatal("expected Greeted after Greet")
	}

	sess.SetMailFrom("alice@external.test")
	if sess.State() != StateHaveFrom || sess.MailFrom() != "alice@external.test" {
		t.Fatalf("unexpected state after SetMailFrom: %v %q", sess.State(), sess.MailFrom())
	}

	sess.AddRcpt("bob@example.test")
	if sess.State() != StateHaveRcpt || len(sess.Rcpts()) != 1 {
		t.Fatalf("unexpected state after AddRcpt: %v %v", sess.State(), sess.Rcpts())
	}

	sess.BeginData()
	if sess.State() != StateDataBuffering {
		t.Fatalf("expected DataBuffering, got %v", sess.State())
	}

	if err := sess.AppendData([]byte("hello")); err != nil {
		t.Fatalf("appending data: %v", err)
	}
	if string(sess.DataBytes()) != "hello" {
		t.Fatalf("unexpected data: %q", sess.DataBytes())
	}

	sess.FinishTransaction()
	if sess.State() != StateGreeted || sess.MailFrom() != "" || len(sess.Rcpts()) != 0 || len(sess.DataBytes()) != 0 {
		t.Fatalf("expected reset transaction state, got state=%v from=%q rcpts=%v data=%q",
			sess.State(), sess.MailFrom(), sess.Rcpts(), sess.DataBytes())
	}
}

func TestSessionAppendDataEnforcesCap(t *testing.T) {
	sess := NewSession("mail.example.test", "example.test", false, 4, config.ModeSMTP, nil, false)
	if err := sess.AppendData([]byte("ab")); err != nil {
		t.Fatalf("unexpected error within cap: %v", err)
	}
	if err := sess.AppendData([]byte("abc")); err == nil {
		t.Fatal("expected error exceeding cap")
	}
}

func TestCanSTARTTLS(t *testing.T) {
	tlsCfg := &tls.Config{}
	submission := NewSession("mail.example.test", "example.test", false, 1024, config.ModeSubmission, tlsCfg, false)
	if !submission.CanSTARTTLS() {
		t.Fatal("expected STARTTLS available on submission listener with TLS material")
	}

	plain := NewSession("mail.example.test", "example.test", false, 1024, config.ModeSMTP, tlsCfg, false)
	if plain.CanSTARTTLS() {
		t.Fatal("expected STARTTLS unavailable on plain listener")
	}

	submission.SetTLSActive()
	if submission.CanSTARTTLS() {
		t.Fatal("expected STARTTLS unavailable once TLS is already active")
	}
}

func TestParseMailboxArg(t *testing.T) {
	addr, err := parseMailboxArg([]string{"FROM:<alice@example.test>"}, "FROM:")
	if err != nil || addr != "alice@example.test" {
		t.Fatalf("unexpected result: %q %v", addr, err)
	}

	addr, err = parseMailboxArg([]string{"TO:<bob@example.test>", "SIZE=100"}, "TO:")
	if err != nil || addr != "bob@example.test" {
		t.Fatalf("unexpected result with trailing params: %q %v", addr, err)
	}

	addr, err = parseMailboxArg([]string{"FROM:<>"}, "FROM:")
	if err != nil || addr != "" {
		t.Fatalf("expected empty null-sender address, got %q %v", addr, err)
	}
}

func TestAddressDomain(t *testing.T) {
	if got := addressDomain("alice@example.test"); got != "example.test" {
		t.Fatalf("unexpected domain: %q", got)
	}
	if got := addressDomain("not-an-address"); got != "" {
		t.Fatalf("expected empty domain, got %q", got)
	}
}
