package smtp

import (
	"context"
	"fmt"
)

func init() {
	RegisterCommand(heloCommand{})
	RegisterCommand(ehloCommand{extended: true})
	RegisterCommand(mailCommand{})
	RegisterCommand(rcptCommand{})
	RegisterCommand(dataCommand{})
	RegisterCommand(rsetCommand{})
	RegisterCommand(noopCommand{})
	RegisterCommand(quitCommand{})
	RegisterCommand(starttlsCommand{})
}

type heloCommand struct{}

func (heloCommand) Name() string { return "HELO" }

func (heloCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	sess.Greet()
	return Response{Code: 250, Lines: []string{sess.hostname + " Hello"}}, nil
}

type ehloCommand struct{ extended bool }

func (ehloCommand) Name() string { return "EHLO" }

func (c ehloCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	sess.Greet()
	lines := []string{sess.hostname + " Hello", "8BITMIME", "SIZE " + itoa64(sess.maxMessageSize)}
	if sess.CanSTARTTLS() {
		lines = append(lines, "STARTTLS")
	}
	return Response{Code: 250, Lines: lines}, nil
}

func itoa64(n int64) string { return itoa(int(n)) }

type mailCommand struct{}

func (mailCommand) Name() string { return "MAIL" }

func (mailCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if !sess.Greeted() {
		return Response{Code: 503, Lines: []string{"Bad sequence of commands"}}, nil
	}
	addr, err := parseMailboxArg(args, "FROM:")
	if err != nil {
		return Response{Code: 501, Lines: []string{"Syntax error in MAIL FROM"}}, nil
	}
	sess.SetMailFrom(addr)
	return Response{Code: 250, Lines: []string{"Ok"}}, nil
}

type rcptCommand struct{}

func (rcptCommand) Name() string { return "RCPT" }

func (rcptCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateHaveFrom && sess.State() != StateHaveRcpt {
		return Response{Code: 503, Lines: []string{"Bad sequence of commands"}}, nil
	}
	addr, err := parseMailboxArg(args, "TO:")
	if err != nil || addr == "" {
		return Response{Code: 501, Lines: []string{"Syntax error in RCPT TO"}}, nil
	}

	if sess.RejectNonDomainEmails() {
		if addressDomain(addr) != sess.DomainName() {
			return Response{Code: 550, Lines: []string{"No such mailbox here"}}, nil
		}
	}

	sess.AddRcpt(addr)
	return Response{Code: 250, Lines: []string{"Ok"}}, nil
}

// dataCommand only flips the session into DataBuffering; the handler
// reads the raw body itself so it can stream straight into the size cap
// and the CRLF-dot-CRLF scanner without going back through the registry.
type dataCommand struct{}

func (dataCommand) Name() string { return "DATA" }

func (dataCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateHaveRcpt {
		return Response{Code: 503, Lines: []string{"Bad sequence of commands"}}, nil
	}
	sess.BeginData()
	return Response{Code: 354, Lines: []string{"Start mail input; end with <CRLF>.<CRLF>"}}, nil
}

type rsetCommand struct{}

func (rsetCommand) Name() string { return "RSET" }

func (rsetCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	sess.FinishTransaction()
	return Response{Code: 250, Lines: []string{"Ok"}}, nil
}

type noopCommand struct{}

func (noopCommand) Name() string { return "NOOP" }

func (noopCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	return Response{Code: 250, Lines: []string{"Ok"}}, nil
}

type quitCommand struct{}

func (quitCommand) Name() string { return "QUIT" }

func (quitCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	sess.Quit()
	return Response{Code: 221, Lines: []string{fmt.Sprintf("%s closing connection", sess.hostname)}}, nil
}

type starttlsCommand struct{}

func (starttlsCommand) Name() string { return "STARTTLS" }

func (starttlsCommand) Execute(_ context.Context, sess *Session, _ ConnectionLogger, args []string) (Response, error) {
	if !sess.CanSTARTTLS() {
		return Response{Code: 454, Lines: []string{"TLS not available"}}, nil
	}
	return Response{Code: 220, Lines: []string{"Ready to start TLS"}}, nil
}
