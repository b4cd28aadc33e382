package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/karasz/pseudonym"
	"github.com/spf13/cobra"
)

func traceCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <guild> <message>",
		Short: "Recover the author of one post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			guildID, messageID := args[0], args[1]
			if g.server != "" {
				res, err := g.client().Trace(cmd.Context(), guildID, messageID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			entry := pseudonym.AuditEntry{
				GuildID: guildID,
				Action:  "trace",
				Params:  map[string]string{"message_id": messageID},
			}
			post, err := e.store.PostByMessage(cmd.Context(), guildID, messageID)
			if err != nil {
				return errors.Join(fmt.Errorf("load post: %w", err), e.record(cmd, entry, ""))
			}
			r := pseudonym.NewReconciler(e.ring)
			r.Logger = e.logger
			userID, err := r.TraceOne(post)
			if err != nil {
				return errors.Join(err, e.record(cmd, entry, ""))
			}
			entry.Success = true
			if err := e.record(cmd, entry, userID); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pseudonym.TraceResult{
				UserID:     userID,
				Pseudonym:  post.Pseudonym,
				MessageID:  post.MessageID,
				KeyVersion: post.Identity.KeyVersion,
				CreatedAt:  post.CreatedAt,
			})
		},
	}
}

type searchFlags struct {
	days    int
	deleted string
}

func (s *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&s.days, "days", pseudonym.DefaultSearchDays, "look back this many days")
	cmd.Flags().StringVar(&s.deleted, "deleted", "exclude", "deleted posts: exclude, include or only")
}

func (s *searchFlags) filter() (pseudonym.PostFilter, error) {
	if s.days < 1 || s.days > pseudonym.MaxSearchDays {
		return pseudonym.PostFilter{}, fmt.Errorf("--days must be between 1 and %d", pseudonym.MaxSearchDays)
	}
	f := pseudonym.PostFilter{Since: time.Now().Add(-time.Duration(s.days) * 24 * time.Hour)}
	switch s.deleted {
	case "exclude":
		f.Deleted = pseudonym.ExcludeDeleted
	case "include":
		f.Deleted = pseudonym.IncludeDeleted
	case "only":
		f.Deleted = pseudonym.OnlyDeleted
	default:
		return pseudonym.PostFilter{}, errors.New("--deleted must be exclude, include or only")
	}
	return f, nil
}

func (s *searchFlags) params(matches int) map[string]string {
	return map[string]string{
		"days":    strconv.Itoa(s.days),
		"deleted": s.deleted,
		"matches": strconv.Itoa(matches),
	}
}

func toResult(posts []pseudonym.Post) pseudonym.SearchResult {
	out := pseudonym.SearchResult{Count: len(posts), Posts: []pseudonym.PostView{}}
	for _, p := range posts {
		out.Posts = append(out.Posts, pseudonym.PostView{
			ID:        p.ID,
			GuildID:   p.GuildID,
			ChannelID: p.ChannelID,
			MessageID: p.MessageID,
			Pseudonym: p.Pseudonym,
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
			DeletedAt: p.DeletedAt,
		})
	}
	return out
}

func searchCmd(g *globalFlags) *cobra.Command {
	var sf searchFlags
	cmd := &cobra.Command{
		Use:   "search <guild> <user>",
		Short: "List a suspected user's posts in one guild",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			guildID, userID := args[0], args[1]
			if g.server != "" {
				res, err := g.client().Search(cmd.Context(), guildID,
					pseudonym.SearchRequest{UserID: userID, Days: sf.days, Deleted: sf.deleted})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			f, err := sf.filter()
			if err != nil {
				return err
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			r := pseudonym.NewReconciler(e.ring)
			r.Logger = e.logger
			posts, err := r.SearchGuild(cmd.Context(), e.store, guildID, userID, f)
			entry := pseudonym.AuditEntry{GuildID: guildID, Action: "search", Params: sf.params(len(posts)), Success: err == nil}
			if aerr := e.record(cmd, entry, userID); err != nil || aerr != nil {
				return errors.Join(err, aerr)
			}
			return printJSON(cmd.OutOrStdout(), toResult(posts))
		},
	}
	sf.register(cmd)
	return cmd
}

func searchGlobalCmd(g *globalFlags) *cobra.Command {
	var sf searchFlags
	cmd := &cobra.Command{
		Use:   "search-global <user>",
		Short: "List a suspected user's posts across every guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			if g.server != "" {
				res, err := g.client().SearchGlobal(cmd.Context(),
					pseudonym.SearchRequest{UserID: userID, Days: sf.days, Deleted: sf.deleted})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			f, err := sf.filter()
			if err != nil {
				return err
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			r := pseudonym.NewReconciler(e.ring)
			r.Logger = e.logger
			posts, err := r.SearchGlobal(cmd.Context(), e.store, userID, f)
			entry := pseudonym.AuditEntry{Action: "global_search", Params: sf.params(len(posts)), Success: err == nil}
			if aerr := e.record(cmd, entry, userID); err != nil || aerr != nil {
				return errors.Join(err, aerr)
			}
			return printJSON(cmd.OutOrStdout(), toResult(posts))
		},
	}
	sf.register(cmd)
	return cmd
}

func auditCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit [guild]",
		Short: "List recent moderator actions in a guild, or in every guild",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var guildID string
			if len(args) == 1 {
				guildID = args[0]
			}
			if g.server != "" {
				c := g.client()
				var entries []pseudonym.AuditEntry
				var err error
				if guildID == "" {
					entries, err = c.GlobalAudit(cmd.Context(), limit)
				} else {
					entries, err = c.Audit(cmd.Context(), guildID, limit)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			entries, err := e.store.ListAudit(cmd.Context(), guildID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	return cmd
}

func auditVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "audit-verify",
		Short: "Replay the audit chain and report tampering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res pseudonym.AuditVerification
			if g.server != "" {
				var err error
				if res, err = g.client().VerifyAudit(cmd.Context()); err != nil {
					return err
				}
			} else {
				e, err := g.open()
				if err != nil {
					return err
				}
				defer e.Close()
				aud := pseudonym.NewAuditor(e.ring, e.store)
				aud.Logger = e.logger
				n, err := aud.Verify(cmd.Context())
				switch {
				case err == nil:
					res = pseudonym.AuditVerification{OK: true, Entries: n}
				case errors.Is(err, pseudonym.ErrAuditGap), errors.Is(err, pseudonym.ErrAuditTagMismatch):
					res = pseudonym.AuditVerification{Error: err.Error()}
				default:
					return err
				}
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK {
				return errors.New("audit chain verification failed")
			}
			return nil
		},
	}
}
