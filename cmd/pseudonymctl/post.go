package main

import (
	"errors"

	"github.com/karasz/pseudonym"
	"github.com/spf13/cobra"
)

func newPoster(e *env) (*pseudonym.Poster, error) {
	settings, err := e.cfg.Settings()
	if err != nil {
		return nil, err
	}
	p := pseudonym.NewPoster(e.ring, e.store, pseudonym.StaticSettings(settings))
	p.Logger = e.logger
	p.Gates = append(p.Gates, pseudonym.NewBanList(e.ring, e.store))
	if len(e.cfg.Guild.BlockedWords) > 0 {
		p.Gates = append(p.Gates, pseudonym.WordFilter{Words: e.cfg.Guild.BlockedWords})
	}
	return p, nil
}

func postCmd(g *globalFlags) *cobra.Command {
	var req pseudonym.PostRequest
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Run one message through the posting pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			poster, err := newPoster(e)
			if err != nil {
				return err
			}
			post, err := poster.Post(cmd.Context(), req)
			if err != nil {
				return err
			}
			settings, _ := e.cfg.Settings()
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":           post.ID,
				"message_id":   post.MessageID,
				"display_name": settings.DisplayName(post.Pseudonym),
				"key_version":  post.Identity.KeyVersion,
				"created_at":   post.CreatedAt,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.GuildID, "guild", "", "guild ID")
	f.StringVar(&req.ChannelID, "channel", "", "channel or thread ID")
	f.StringVar(&req.MessageID, "message", "", "platform message ID")
	f.StringVar(&req.UserID, "user", "", "author user ID")
	f.StringVar(&req.Content, "content", "", "message content")
	f.BoolVar(&req.Converted, "converted", false, "use the persistent pseudonym")
	f.BoolVar(&req.Global, "global", false, "also enforce the platform-wide rate limit")
	for _, name := range []string{"guild", "channel", "message", "user", "content"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func deleteCmd(g *globalFlags) *cobra.Command {
	var req pseudonym.DeleteRequest
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Soft-delete a post as its author, or as an admin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.server != "" {
				return g.client().Delete(cmd.Context(), req.GuildID, req.MessageID)
			}
			if req.UserID == "" && !req.Admin {
				return errors.New("--user is required unless --admin is set")
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			poster, err := newPoster(e)
			if err != nil {
				return err
			}
			err = poster.Delete(cmd.Context(), req)
			if !req.Admin {
				return err
			}
			entry := pseudonym.AuditEntry{
				GuildID: req.GuildID,
				Action:  "delete",
				Params:  map[string]string{"message_id": req.MessageID},
				Success: err == nil,
			}
			return errors.Join(err, e.record(cmd, entry, ""))
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.GuildID, "guild", "", "guild ID")
	f.StringVar(&req.MessageID, "message", "", "platform message ID")
	f.StringVar(&req.UserID, "user", "", "user requesting the deletion")
	f.BoolVar(&req.Admin, "admin", false, "skip the authorship check")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
