// Package cmds holds the operator commands that manage users, groups, ACLs
// and entitlement classes of a trove repository.
package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pachyderm/troverepo/src/internal/cmdutil"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// Opener connects to the repository's authorization engine.  The returned
// func releases whatever the engine holds open.
type Opener func(ctx context.Context) (auth.Admin, func(), error)

// run opens the engine around fn.
func run(open Opener, fn func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		adm, done, err := open(ctx)
		if err != nil {
			return err
		}
		defer done()
		return fn(ctx, cmd, adm, args)
	}
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

// readPassword takes the first line of the command's input.  A terminal on
// stdin is read without echo.
func readPassword(cmd *cobra.Command) (string, error) {
	fmt.Fprintln(cmd.ErrOrStderr(), "Password:")
	if in, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(in.Fd())) {
		pw, err := term.ReadPassword(int(in.Fd()))
		if err != nil {
			return "", errors.Wrap(err, "error reading password")
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.Wrap(err, "error reading password")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// UserCmd returns a cobra.Command that manages user accounts.
func UserCmd(open Opener) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage repository users",
		Long:  "Manage repository users. Every user belongs to a group of the same name, created with it.",
	}

	var password string
	add := &cobra.Command{
		Use:   "add <user>",
		Short: "Add a user",
		Long:  "Add a user. The password is read from standard input unless --password is given.",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error {
			pw := password
			if pw == "" {
				var err error
				if pw, err = readPassword(cmd); err != nil {
					return err
				}
			}
			return adm.AddUser(ctx, args[0], pw)
		})),
	}
	add.Flags().StringVar(&password, "password", "", "The new user's password.")
	user.AddCommand(add)

	var newPassword string
	passwd := &cobra.Command{
		Use:   "password <user>",
		Short: "Change a user's password",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error {
			pw := newPassword
			if pw == "" {
				var err error
				if pw, err = readPassword(cmd); err != nil {
					return err
				}
			}
			return adm.ChangePassword(ctx, args[0], pw)
		})),
	}
	passwd.Flags().StringVar(&newPassword, "password", "", "The new password.")
	user.AddCommand(passwd)

	user.AddCommand(&cobra.Command{
		Use:   "delete <user>",
		Short: "Delete a user and the group named after them",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.DeleteUser(ctx, args[0])
		})),
	})
	user.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		Run: cmdutil.RunFixedArgs(0, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, _ []string) error {
			users, err := adm.ListUsers(ctx)
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), users)
			return nil
		})),
	})
	user.AddCommand(&cobra.Command{
		Use:   "groups <user>",
		Short: "List the groups a user belongs to",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error {
			groups, err := adm.GetUserGroups(ctx, args[0])
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), groups)
			return nil
		})),
	})
	return user
}

// GroupCmd returns a cobra.Command that manages groups.
func GroupCmd(open Opener) *cobra.Command {
	group := &cobra.Command{
		Use:   "group",
		Short: "Manage user groups",
	}
	group.AddCommand(&cobra.Command{
		Use:   "add <group>",
		Short: "Add an empty group",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.AddGroup(ctx, args[0])
		})),
	})
	group.AddCommand(&cobra.Command{
		Use:   "rename <group> <new-name>",
		Short: "Rename a group",
		Run: cmdutil.RunFixedArgs(2, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.RenameGroup(ctx, args[0], args[1])
		})),
	})
	group.AddCommand(&cobra.Command{
		Use:   "delete <group>",
		Short: "Delete a group with its ACLs",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.DeleteGroup(ctx, args[0])
		})),
	})
	group.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		Run: cmdutil.RunFixedArgs(0, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, _ []string) error {
			groups, err := adm.ListGroups(ctx)
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), groups)
			return nil
		})),
	})

	var members cmdutil.RepeatedStringArg
	setMembers := &cobra.Command{
		Use:   "members <group>",
		Short: "Print or replace the members of a group",
		Long:  "Print the members of a group. With one or more --user flags, the group's members are replaced by exactly those users.",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error {
			if len(members) > 0 {
				return adm.UpdateGroupMembers(ctx, args[0], members)
			}
			users, err := adm.GetGroupMembers(ctx, args[0])
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), users)
			return nil
		})),
	}
	setMembers.Flags().VarP(&members, "user", "u", "A member of the group (can be repeated).")
	group.AddCommand(setMembers)

	flag := func(use, short string, set func(context.Context, auth.Admin, string, bool) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <group> (true|false)",
			Short: short,
			Run: cmdutil.RunFixedArgs(2, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
				v, err := strconv.ParseBool(args[1])
				if err != nil {
					return errors.Wrapf(err, "parse %q", args[1])
				}
				return set(ctx, adm, args[0], v)
			})),
		}
	}
	group.AddCommand(flag("admin", "Grant or revoke admin rights", func(ctx context.Context, adm auth.Admin, g string, v bool) error {
		return adm.SetAdmin(ctx, g, v)
	}))
	group.AddCommand(flag("mirror", "Grant or revoke mirror rights", func(ctx context.Context, adm auth.Admin, g string, v bool) error {
		return adm.SetMirror(ctx, g, v)
	}))
	return group
}

var aclTemplate = template.Must(template.New("acls").Parse(
	"{{range .}}{{.Label}}\t{{.Pattern}}{{if .CanWrite}}\twrite{{end}}{{if .CanRemove}}\tremove{{end}}\n{{end}}"))

// ACLCmd returns a cobra.Command that manages ACLs.
func ACLCmd(open Opener) *cobra.Command {
	acl := &cobra.Command{
		Use:   "acl",
		Short: "Manage group permissions",
		Long:  "Manage group permissions. Labels and trove patterns accept ALL to match anything.",
	}

	var write, remove bool
	add := &cobra.Command{
		Use:   "add <group> <label> <pattern>",
		Short: "Grant a group read access to troves matching pattern on label",
		Run: cmdutil.RunFixedArgs(3, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.AddAcl(ctx, auth.ACL{Group: args[0], Label: args[1], Pattern: args[2], CanWrite: write, CanRemove: remove})
		})),
	}
	add.Flags().BoolVar(&write, "write", false, "Also grant write access.")
	add.Flags().BoolVar(&remove, "remove", false, "Also grant remove access.")
	acl.AddCommand(add)

	acl.AddCommand(&cobra.Command{
		Use:   "delete <group> <label> <pattern>",
		Short: "Delete an ACL",
		Run: cmdutil.RunFixedArgs(3, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.DeleteAcl(ctx, args[0], args[1], args[2])
		})),
	})
	acl.AddCommand(&cobra.Command{
		Use:   "list <group>",
		Short: "List a group's ACLs",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error {
			acls, err := adm.ListAcls(ctx, args[0])
			if err != nil {
				return err
			}
			return errors.EnsureStack(aclTemplate.Execute(cmd.OutOrStdout(), acls))
		})),
	})
	return acl
}

// EntitlementCmd returns a cobra.Command that manages entitlement classes.
func EntitlementCmd(open Opener) *cobra.Command {
	ent := &cobra.Command{
		Use:   "entitlement",
		Short: "Manage entitlement classes",
	}
	ent.AddCommand(&cobra.Command{
		Use:   "add-class <class> <access-group>",
		Short: "Add a class whose keys grant access-group's permissions",
		Run: cmdutil.RunFixedArgs(2, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.AddEntitlementClass(ctx, args[0], args[1])
		})),
	})
	ent.AddCommand(&cobra.Command{
		Use:   "delete-class <class>",
		Short: "Delete a class and its keys",
		Run: cmdutil.RunFixedArgs(1, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.DeleteEntitlementClass(ctx, args[0])
		})),
	})
	ent.AddCommand(&cobra.Command{
		Use:   "add-owner <class> <group>",
		Short: "Let group manage the keys of class",
		Run: cmdutil.RunFixedArgs(2, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.AddEntitlementClassOwner(ctx, args[0], args[1])
		})),
	})
	ent.AddCommand(&cobra.Command{
		Use:   "delete-owner <class> <group>",
		Short: "Stop group managing the keys of class",
		Run: cmdutil.RunFixedArgs(2, run(open, func(ctx context.Context, _ *cobra.Command, adm auth.Admin, args []string) error {
			return adm.DeleteEntitlementClassOwner(ctx, args[0], args[1])
		})),
	})
	ent.AddCommand(&cobra.Command{
		Use:   "access-groups <class> [group...]",
		Short: "Print or replace the groups a class grants",
		Run: cmdutil.RunBoundedArgs(1, 1<<16, run(open, func(ctx context.Context, cmd *cobra.Command, adm auth.Admin, args []string) error {
			if len(args) > 1 {
				return adm.SetEntitlementClassAccessGroups(ctx, args[0], args[1:])
			}
			groups, err := adm.GetEntitlementClassAccessGroups(ctx, args[0])
			if err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), groups)
			return nil
		})),
	})
	return ent
}

// Cmds returns the commands that administer a repository's users.
func Cmds(open Opener) []*cobra.Command {
	return []*cobra.Command{
		UserCmd(open),
		GroupCmd(open),
		ACLCmd(open),
		EntitlementCmd(open),
	}
}
