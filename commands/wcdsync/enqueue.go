package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/WebChangeDetector/webchangedetector-sub002/client"
	"github.com/WebChangeDetector/webchangedetector-sub002/models"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [domain]",
	Short: "Create a website and start syncing its URLs",
	Long: `Create the monitoring groups and website for a domain on the remote
service, and start a background job that discovers the site's WordPress
URLs and syncs them.

Selectors are given as url_type/post_type, for example:

  wcdsync enqueue example.com --selector types/posts --selector taxonomies/categories

Use --group-id instead of a domain to take the domain from an existing group.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().String("group-id", "", "Read the domain from this existing group")
	enqueueCmd.Flags().Float64("threshold", 0, "Change detection threshold, 0 to 100")
	enqueueCmd.Flags().StringArray("selector", nil, "Post type or taxonomy to sync, as url_type/post_type (repeatable)")
	enqueueCmd.Flags().Bool("wait", false, "Watch the job until it finishes")
	enqueueCmd.Flags().Duration("interval", 0, "Time between status requests with --wait")
	enqueueCmd.Flags().Bool("json", false, "Output as JSON")
}

var urlTypeNames = map[string]string{
	"types":      "Post Types",
	"taxonomies": "Taxonomies",
}

// displayName turns a slug like "product_cat" into "Product cat".
func displayName(slug string) string {
	s := strings.NewReplacer("_", " ", "-", " ").Replace(slug)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// parseSelector parses "types/posts" into a Selector.
func parseSelector(raw string) (models.Selector, error) {
	urlType, postType, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || urlType == "" || postType == "" {
		return models.Selector{}, fmt.Errorf("invalid selector %q, expected url_type/post_type", raw)
	}
	name, ok := urlTypeNames[urlType]
	if !ok {
		name = displayName(urlType)
	}
	return models.Selector{
		URLTypeSlug:  urlType,
		URLTypeName:  name,
		PostTypeSlug: postType,
		PostTypeName: displayName(postType),
	}, nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	groupID, _ := cmd.Flags().GetString("group-id")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	rawSelectors, _ := cmd.Flags().GetStringArray("selector")
	wait, _ := cmd.Flags().GetBool("wait")
	asJSON, _ := cmd.Flags().GetBool("json")

	params := &client.EnqueueParams{
		GroupID:   strings.TrimSpace(groupID),
		Threshold: threshold,
	}
	if len(args) == 1 {
		params.Domain = args[0]
	}
	if params.Domain == "" && params.GroupID == "" {
		return fmt.Errorf("a domain or --group-id is required")
	}
	for _, raw := range rawSelectors {
		sel, err := parseSelector(raw)
		if err != nil {
			return err
		}
		params.Selectors = append(params.Selectors, sel)
	}

	c, logger, err := newClient()
	if err != nil {
		return err
	}
	defer logger.Sync()
	res, err := c.Enqueue(cmd.Context(), params)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s\n", res.Message)
		fmt.Fprintf(out, "job_id:              %s\n", res.JobID)
		fmt.Fprintf(out, "domain:              %s\n", res.Domain)
		fmt.Fprintf(out, "website_id:          %s\n", res.WebsiteID)
		fmt.Fprintf(out, "manual_group_id:     %s\n", res.ManualGroupID)
		fmt.Fprintf(out, "monitoring_group_id: %s\n", res.MonitoringGroupID)
	}
	if !wait {
		return nil
	}
	interval, _ := cmd.Flags().GetDuration("interval")
	return watch(cmd, c, logger, res.JobID, interval)
}
