package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/clinicportal/clinicauth"
)

const helpText = `commands:
  login <email> <password>
  channel <sms|email|backup>
  code <code>            submit a two-factor code on the active channel
  resend [sms|email]
  fallback               switch the challenge to email
  cancel                 close the two-factor challenge
  register <first> <last> <email> <password> [phone]
  confirm <code>         confirm the emailed registration code
  resend-signup
  abandon                discard the pending registration
  google <credential>
  whoami
  logout
  quit`

type shell struct {
	orch *clinicauth.Orchestrator
	in   *bufio.Scanner
	out  io.Writer
}

func newShell(orch *clinicauth.Orchestrator, in io.Reader, out io.Writer) *shell {
	return &shell{orch: orch, in: bufio.NewScanner(in), out: out}
}

func (s *shell) run(ctx context.Context) error {
	fmt.Fprintln(s.out, "type 'help' for commands")
	for {
		fmt.Fprint(s.out, "> ")
		if !s.in.Scan() {
			return s.in.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		args := strings.Fields(s.in.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return nil
		}
		if err := s.exec(ctx, args[0], args[1:]); err != nil {
			s.fail(err)
		}
	}
}

func (s *shell) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(s.out, helpText)
		return nil
	case "login":
		if len(args) != 2 {
			return usage("login <email> <password>")
		}
		out, err := s.orch.SubmitLogin(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		s.report(out)
		return nil
	case "channel":
		c, err := s.challenge()
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return usage("channel <sms|email|backup>")
		}
		ch, ok := clinicauth.ParseChannel(args[0])
		if !ok {
			return usage("channel <sms|email|backup>")
		}
		if err := c.SelectChannel(ch); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "active channel: %s\n", ch)
		return nil
	case "code":
		c, err := s.challenge()
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return usage("code <code>")
		}
		if err := c.SetCode(args[0]); err != nil {
			return err
		}
		out, err := c.SubmitCode(ctx)
		if err != nil {
			if snap := c.Snapshot(); snap.AttemptsKnown {
				fmt.Fprintf(s.out, "attempts left: %d\n", snap.AttemptsLeft)
			}
			return err
		}
		s.report(out)
		return nil
	case "resend":
		c, err := s.challenge()
		if err != nil {
			return err
		}
		ch := c.Active()
		if len(args) == 1 {
			parsed, ok := clinicauth.ParseChannel(args[0])
			if !ok {
				return usage("resend [sms|email]")
			}
			ch = parsed
		}
		if err := c.Resend(ctx, ch); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "code re-sent by %s; next resend in %ds\n", ch, c.Cooldown())
		return nil
	case "fallback":
		c, err := s.challenge()
		if err != nil {
			return err
		}
		if err := c.EmailFallback(ctx); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "code sent to %s\n", c.MaskedEmail())
		return nil
	case "cancel":
		c, err := s.challenge()
		if err != nil {
			return err
		}
		c.Cancel()
		fmt.Fprintln(s.out, "challenge cancelled")
		return nil
	case "register":
		if len(args) < 4 || len(args) > 5 {
			return usage("register <first> <last> <email> <password> [phone]")
		}
		reg := clinicauth.Registration{FirstName: args[0], LastName: args[1], Email: args[2], Password: args[3]}
		if len(args) == 5 {
			reg.Phone = args[4]
		}
		draft, err := s.orch.SubmitRegistration(ctx, reg)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "confirmation code sent to %s\n", draft.Email)
		return nil
	case "confirm":
		if len(args) != 1 {
			return usage("confirm <code>")
		}
		out, err := s.orch.VerifyRegistration(ctx, args[0])
		if err != nil {
			return err
		}
		s.report(out)
		return nil
	case "resend-signup":
		if err := s.orch.ResendRegistrationCode(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "confirmation code re-sent")
		return nil
	case "abandon":
		s.orch.AbandonRegistration(ctx)
		fmt.Fprintln(s.out, "registration discarded")
		return nil
	case "google":
		if len(args) != 1 {
			return usage("google <credential>")
		}
		out, err := s.orch.SubmitAssertion(ctx, args[0])
		if err != nil {
			return err
		}
		s.report(out)
		return nil
	case "whoami":
		sess, ok := s.orch.Identity().Current()
		if !ok {
			fmt.Fprintln(s.out, "signed out")
			return nil
		}
		fmt.Fprintf(s.out, "%s (%s) -> %s\n", sess.User.Email, sess.User.Role,
			clinicauth.DestinationFor(sess.User.Role, s.orch.Config().Routes))
		return nil
	case "logout":
		if err := s.orch.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "signed out")
		return nil
	default:
		return usage("unknown command " + cmd)
	}
}

func (s *shell) fail(err error) {
	var u usageError
	if errors.As(err, &u) {
		fmt.Fprintln(s.out, u.Error())
		return
	}
	fmt.Fprintf(s.out, "error: %s\n", clinicauth.Message(err))
}

func (s *shell) challenge() (*clinicauth.Challenge, error) {
	c := s.orch.Challenge()
	if c == nil {
		return nil, errNoChallenge
	}
	return c, nil
}

func (s *shell) report(out *clinicauth.LoginOutcome) {
	if out.RequiresTwoFactor() {
		c := out.Challenge
		fmt.Fprintf(s.out, "two-factor required: methods %s, active %s", c.Methods(), c.Active())
		if p := c.MaskedPhone(); p != "" {
			fmt.Fprintf(s.out, ", phone %s", p)
		}
		if e := c.MaskedEmail(); e != "" {
			fmt.Fprintf(s.out, ", email %s", e)
		}
		fmt.Fprintln(s.out)
		return
	}
	fmt.Fprintf(s.out, "signed in as %s -> %s\n", out.Session.User.Email, out.Destination)
}

type usageError string

func (u usageError) Error() string { return "usage: " + string(u) }

func usage(msg string) error { return usageError(msg) }

var errNoChallenge = usageError("no two-factor challenge in progress")
