package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd(e *env) *cobra.Command {
	var email, password, name string
	var signup bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the token in the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := e.profile()
			if err != nil {
				return err
			}
			in := bufio.NewReader(cmd.InOrStdin())
			if email == "" {
				if email, err = promptLine(in, e.out, "Email: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = promptPassword(cmd.InOrStdin(), in, e.out, "Password: "); err != nil {
					return err
				}
			}

			api := e.api(p)
			ctx := cmd.Context()
			if signup {
				if name == "" {
					name = strings.SplitN(email, "@", 2)[0]
				}
				if _, err := api.Signup(ctx, email, password, name); err != nil {
					return errors.Annotate(err, "signup")
				}
			}
			res, err := api.Login(ctx, email, password)
			if err != nil {
				return errors.Annotate(err, "login")
			}
			p.Token, p.UserID, p.Email = res.Token, res.UserID, res.Email
			if err := SaveProfile(p, e.profilePath); err != nil {
				return err
			}
			e.printf("Logged in as %s (user %d)\n", res.Name, res.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (prompted when empty)")
	cmd.Flags().BoolVar(&signup, "signup", false, "create the account first")
	cmd.Flags().StringVar(&name, "name", "", "display name for --signup")
	return cmd
}

func promptLine(in *bufio.Reader, out io.Writer, label string) (string, error) {
	for {
		fmt.Fprint(out, label)
		line, err := in.ReadString('\n')
		if v := strings.TrimSpace(line); v != "" {
			return v, nil
		}
		if err != nil {
			return "", errors.Annotate(err, "read input")
		}
	}
}

// promptPassword masks input on a terminal and reads a plain line otherwise.
func promptPassword(raw io.Reader, in *bufio.Reader, out io.Writer, label string) (string, error) {
	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", errors.Annotate(err, "read password")
		}
		if pw := strings.TrimSpace(string(b)); pw != "" {
			return pw, nil
		}
		return "", errors.NotValidf("empty password")
	}
	return promptLine(in, out, label)
}
