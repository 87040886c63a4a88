package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/profile"
)

var (
	qrFlag         bool
	quietEnabled   bool
	quietStartFlag string
	quietEndFlag   string
	notifyRefresh  bool
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Inspect and acknowledge notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, unread and urgent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListNotifications(ctx, notifyRefresh)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			w := newTable(os.Stdout)
			fmt.Fprintln(w, "\tID\tPRIORITY\tCATEGORY\tCREATED\tTITLE")
			for _, n := range resp.Notifications {
				mark := " "
				if !n.Read {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, n.ID, n.Priority, n.Category, shortTime(n.CreatedAt), truncate(n.Title, 50))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d unread\n", resp.Unread)
			return nil
		})
	},
}

var notificationsUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the unread notification count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetUnreadCount(ctx, notifyRefresh)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Println(resp.Count)
			return nil
		})
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id...>",
	Short: "Mark notifications read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.MarkNotificationsRead(ctx, args)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("%d unread\n", resp.Count)
			return nil
		})
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification read",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.MarkAllNotificationsRead(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("%d unread\n", resp.Count)
			return nil
		})
	},
}

var notificationsLinkCmd = &cobra.Command{
	Use:   "link <id>",
	Short: "Print a notification's deep link, optionally as a QR code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListNotifications(ctx, false)
			if err != nil {
				return err
			}
			var found *notify.Notification
			for i := range resp.Notifications {
				if resp.Notifications[i].ID == args[0] {
					found = &resp.Notifications[i]
					break
				}
			}
			if found == nil {
				return fmt.Errorf("notification %q not found", args[0])
			}
			if found.Link == "" {
				return fmt.Errorf("notification %q has no link", args[0])
			}

			link, err := absoluteLink(found.Link)
			if err != nil {
				return err
			}
			fmt.Println(link)
			if qrFlag {
				qr, err := renderQR(link)
				if err != nil {
					return err
				}
				fmt.Print("\n" + qr)
			}
			return nil
		})
	},
}

// absoluteLink resolves a relative deep link against the configured API host.
func absoluteLink(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	if u.IsAbs() {
		return link, nil
	}
	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		return "", err
	}
	base, err := url.Parse(cfg.Server.APIURL)
	if err != nil {
		return "", fmt.Errorf("parse api_url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change notification preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show notification preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetPreferences(ctx, true)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			printPreferences(resp.Preferences)
			return nil
		})
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set [category=on|off...]",
	Short: "Change categories and quiet hours; only the named fields change",
	Example: "  chatsyncctl prefs set payments=off reviews=on\n" +
		"  chatsyncctl prefs set --quiet --quiet-start 22:00 --quiet-end 07:00",
	RunE: func(cmd *cobra.Command, args []string) error {
		toggles := make(map[string]bool, len(args))
		for _, a := range args {
			k, v, ok := strings.Cut(a, "=")
			if !ok {
				return fmt.Errorf("expected category=on|off, got %q", a)
			}
			on, err := parseToggle(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			toggles[k] = on
		}
		patch, err := notify.PatchFromMap(toggles)
		if err != nil {
			return fmt.Errorf("%w (known: %s)", err, strings.Join(notify.Categories(), ", "))
		}

		flags := cmd.Flags()
		quietChanged := flags.Changed("quiet") || flags.Changed("quiet-start") || flags.Changed("quiet-end")
		if len(toggles) == 0 && !quietChanged {
			return fmt.Errorf("nothing to change")
		}

		return withClient(func(ctx context.Context, c *api.Client) error {
			if quietChanged {
				cur, err := c.GetPreferences(ctx, true)
				if err != nil {
					return err
				}
				qh := cur.Preferences.QuietHours
				if flags.Changed("quiet") {
					qh.Enabled = quietEnabled
				}
				if flags.Changed("quiet-start") {
					qh.Start = quietStartFlag
				}
				if flags.Changed("quiet-end") {
					qh.End = quietEndFlag
				}
				patch.QuietHours = &qh
			}
			resp, err := c.UpdatePreferences(ctx, &api.UpdatePreferencesRequest{Patch: patch})
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			printPreferences(resp.Preferences)
			return nil
		})
	},
}

func parseToggle(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func printPreferences(p notify.Preferences) {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	w := newTable(os.Stdout)
	fmt.Fprintf(w, "messages\t%s\n", onOff(p.Messages))
	fmt.Fprintf(w, "quoteRequests\t%s\n", onOff(p.QuoteRequests))
	fmt.Fprintf(w, "bookings\t%s\n", onOff(p.Bookings))
	fmt.Fprintf(w, "payments\t%s\n", onOff(p.Payments))
	fmt.Fprintf(w, "reviews\t%s\n", onOff(p.Reviews))
	fmt.Fprintf(w, "system\t%s\n", onOff(p.System))
	if p.QuietHours.Enabled {
		fmt.Fprintf(w, "quiet hours\t%s-%s\n", p.QuietHours.Start, p.QuietHours.End)
	} else {
		fmt.Fprintf(w, "quiet hours\toff\n")
	}
	_ = w.Flush()
}

func init() {
	notificationsListCmd.Flags().BoolVar(&notifyRefresh, "refresh", false, "reload from the server first")
	notificationsUnreadCmd.Flags().BoolVar(&notifyRefresh, "refresh", false, "ask the server instead of the cached count")
	notificationsLinkCmd.Flags().BoolVar(&qrFlag, "qr", false, "also render the link as a terminal QR code")
	notificationsCmd.AddCommand(notificationsListCmd, notificationsUnreadCmd, notificationsReadCmd,
		notificationsReadAllCmd, notificationsLinkCmd)

	prefsSetCmd.Flags().BoolVar(&quietEnabled, "quiet", false, "enable quiet hours")
	prefsSetCmd.Flags().StringVar(&quietStartFlag, "quiet-start", "", "quiet hours start (HH:MM)")
	prefsSetCmd.Flags().StringVar(&quietEndFlag, "quiet-end", "", "quiet hours end (HH:MM)")
	prefsCmd.AddCommand(prefsGetCmd, prefsSetCmd)

	rootCmd.AddCommand(notificationsCmd, prefsCmd)
}
