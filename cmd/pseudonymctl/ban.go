package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/karasz/pseudonym"
	"github.com/spf13/cobra"
)

func banCmd(g *globalFlags, ban bool) *cobra.Command {
	var guildID, userID, reason string
	use, short := "unban", "Lift a ban"
	if ban {
		use, short = "ban", "Ban a user from posting in a guild, or everywhere without --guild"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.server != "" {
				c := g.client()
				req := pseudonym.BanRequest{UserID: userID, Reason: reason}
				if ban {
					return c.Ban(cmd.Context(), guildID, req)
				}
				return c.Unban(cmd.Context(), guildID, req)
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			bans := pseudonym.NewBanList(e.ring, e.store)
			if ban {
				err = bans.Ban(cmd.Context(), guildID, userID, e.moderator, reason)
			} else {
				err = bans.Unban(cmd.Context(), guildID, userID)
			}
			action := use
			if guildID == "" {
				action = "global_" + use
			}
			entry := pseudonym.AuditEntry{GuildID: guildID, Action: action, Success: err == nil}
			if reason != "" {
				entry.Params = map[string]string{"reason": reason}
			}
			return errors.Join(err, e.record(cmd, entry, userID))
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID; empty for a global ban")
	cmd.Flags().StringVar(&userID, "user", "", "user ID")
	if ban {
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the ban")
	}
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func bulkDeleteCmd(g *globalFlags) *cobra.Command {
	var req pseudonym.BulkDeleteRequest
	cmd := &cobra.Command{
		Use:   "bulk-delete",
		Short: "Soft-delete every post of a guild matching the given conditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.server != "" {
				dryRun := req.DryRun
				res, err := g.client().BulkDelete(cmd.Context(), req.GuildID, pseudonym.BulkDeleteBody{
					UserID:        req.UserID,
					ChannelID:     req.ChannelID,
					Hours:         req.Hours,
					Contains:      req.Contains,
					Pseudonym:     req.Pseudonym,
					Limit:         req.Limit,
					ConvertedOnly: req.ConvertedOnly,
					DryRun:        &dryRun,
				})
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
			r := pseudonym.NewReconciler(e.ring)
			r.Logger = e.logger
			res, err := r.BulkDelete(cmd.Context(), e.store, req, time.Now().UTC())
			entry := pseudonym.AuditEntry{
				GuildID: req.GuildID,
				Action:  "bulk_delete",
				Params: map[string]string{
					"channel_id":     req.ChannelID,
					"hours":          strconv.Itoa(req.Hours),
					"contains":       req.Contains,
					"pseudonym":      req.Pseudonym,
					"converted_only": strconv.FormatBool(req.ConvertedOnly),
					"limit":          strconv.Itoa(req.Limit),
					"dry_run":        strconv.FormatBool(req.DryRun),
					"matched":        strconv.Itoa(len(res.Matched)),
					"deleted":        strconv.Itoa(res.Deleted),
				},
				Success: err == nil,
			}
			if aerr := e.record(cmd, entry, req.UserID); err != nil || aerr != nil {
				return errors.Join(err, aerr)
			}
			out := pseudonym.BulkDeleteResponse{
				DryRun:  req.DryRun,
				Matched: len(res.Matched),
				Deleted: res.Deleted,
				Posts:   toResult(res.Matched).Posts,
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.GuildID, "guild", "", "guild ID")
	f.StringVar(&req.ChannelID, "channel", "", "only this channel")
	f.StringVar(&req.UserID, "user", "", "posts written by this user")
	f.IntVar(&req.Hours, "hours", 0, "posts from the last N hours")
	f.StringVar(&req.Contains, "contains", "", "posts containing this text, ignoring case")
	f.StringVar(&req.Pseudonym, "pseudonym", "", "posts shown under this pseudonym")
	f.IntVar(&req.Limit, "limit", 0, "only the newest N matches")
	f.BoolVar(&req.ConvertedOnly, "converted-only", false, "only posts with a persistent pseudonym")
	f.BoolVar(&req.DryRun, "dry-run", true, "list matches without deleting")
	_ = cmd.MarkFlagRequired("guild")
	return cmd
}
