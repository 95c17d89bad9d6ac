package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ingest/internal/share"
)

// ShareOptions holds flags shared by the share subcommands.
type ShareOptions struct {
	*RootOptions
	Users  []string
	Groups []string
}

// ShareResult describes one share subject.
type ShareResult struct {
	Handle string   `json:"handle"`
	Users  []string `json:"users"`
	Groups []string `json:"groups"`
}

func (r ShareResult) Text() string {
	if r.Handle == "" {
		return "no handle: empty grantee set\n"
	}
	return fmt.Sprintf("%s\n  users:  %s\n  groups: %s\n",
		r.Handle, strings.Join(r.Users, ", "), strings.Join(r.Groups, ", "))
}

// HandlesResult lists the handles visible to a user.
type HandlesResult struct {
	User    string   `json:"user"`
	Groups  []string `json:"groups"`
	Handles []string `json:"handles"`
}

func (r HandlesResult) Text() string {
	if len(r.Handles) == 0 {
		return "no handles\n"
	}
	return strings.Join(r.Handles, "\n") + "\n"
}

// NewShareCommand creates the share command and its subcommands.
func NewShareCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Resolve and look up share subjects",
	}

	cmd.AddCommand(newShareResolveCommand(rootOpts))
	cmd.AddCommand(newShareFindCommand(rootOpts))
	cmd.AddCommand(newShareMembersCommand(rootOpts))

	return cmd
}

func newShareResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the handle of a grantee set, creating it if new",
		Long: `Print the handle of a grantee set, creating it if new.

The handle only depends on the set: flag order and duplicates do not matter.

Example:
  ingest share resolve --user u2 --user u1 --group g1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShares(opts.RootOptions, cmd, func(ctx context.Context, r *share.Resolver, f *OutputFormatter) error {
				handle, ok, err := r.Resolve(ctx, opts.Users, opts.Groups)
				if errors.Is(err, share.ErrCollision) {
					return f.Fail(ExitFailure, ErrCodeShare, "handle collision", err)
				}
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeShare, "resolve failed", err)
				}
				if !ok {
					return f.Success(ShareResult{Users: []string{}, Groups: []string{}})
				}
				users, groups, err := r.Members(ctx, handle)
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeShare, "read members failed", err)
				}
				return f.Success(ShareResult{Handle: handle, Users: users, Groups: groups})
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Users, "user", nil, "grantee user id (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Groups, "group", nil, "grantee group id (repeatable)")

	return cmd
}

func newShareFindCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShareOptions{RootOptions: rootOpts}
	var user string

	cmd := &cobra.Command{
		Use:   "find",
		Short: "List the handles a user reaches directly or through a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShares(opts.RootOptions, cmd, func(ctx context.Context, r *share.Resolver, f *OutputFormatter) error {
				handles, err := r.FindHandlesFor(ctx, share.User{ID: user, GroupIDs: opts.Groups})
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeShare, "lookup failed", err)
				}
				groups := opts.Groups
				if groups == nil {
					groups = []string{}
				}
				return f.Success(HandlesResult{User: user, Groups: groups, Handles: handles})
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringSliceVar(&opts.Groups, "group", nil, "group id of the user (repeatable)")

	return cmd
}

func newShareMembersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "members <handle>",
		Short: "Print the grantees of a handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withShares(rootOpts, cmd, func(ctx context.Context, r *share.Resolver, f *OutputFormatter) error {
				users, groups, err := r.Members(ctx, args[0])
				if err != nil {
					return f.Fail(ExitFailure, ErrCodeShare, "read members failed", err)
				}
				if len(users) == 0 && len(groups) == 0 {
					return f.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("unknown handle %s", args[0]), nil)
				}
				return f.Success(ShareResult{Handle: args[0], Users: users, Groups: groups})
			})
		},
	}
}

func withShares(opts *RootOptions, cmd *cobra.Command, run func(context.Context, *share.Resolver, *OutputFormatter) error) error {
	f := opts.formatter(cmd)
	a, err := openApp(opts, f)
	if err != nil {
		return err
	}
	defer a.closeLogged()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return run(ctx, a.shares, f)
}
