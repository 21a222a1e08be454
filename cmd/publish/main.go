package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blackmichael/toronto-feed/internal/bluesky"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	handle   string
	password string
	pds      string
	rkey     string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "publish",
		Short:         "Manage the feed generator record on a Bluesky account",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.handle, "handle", os.Getenv("BLUESKY_HANDLE"), "Bluesky handle (e.g. user.bsky.social)")
	root.PersistentFlags().StringVar(&opts.password, "password", os.Getenv("BLUESKY_APP_PASSWORD"), "Bluesky app password")
	root.PersistentFlags().StringVar(&opts.pds, "pds", envOrDefault("BLUESKY_PDS", "https://bsky.social"), "PDS service URL")
	root.PersistentFlags().StringVar(&opts.rkey, "rkey", envOrDefault("FEEDGEN_FEED_NAME", "toronto"), "record key / short name of the feed")

	root.AddCommand(newPublishCmd(opts), newUnpublishCmd(opts))
	return root
}

func (o *options) login(ctx context.Context) (*bluesky.Client, error) {
	if o.handle == "" || o.password == "" {
		return nil, fmt.Errorf("--handle and --password are required (or set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD)")
	}
	if o.rkey == "" {
		return nil, fmt.Errorf("--rkey is required")
	}

	client := bluesky.NewClient(o.pds)
	fmt.Printf("Logging in as %s...\n", o.handle)
	if err := client.Login(ctx, o.handle, o.password); err != nil {
		return nil, err
	}
	fmt.Printf("Authenticated as %s\n", client.DID())
	return client, nil
}

func newPublishCmd(opts *options) *cobra.Command {
	var (
		serviceDID  string
		displayName string
		description string
		avatar      string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Create or update the feed generator record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serviceDID == "" {
				return fmt.Errorf("--service-did is required (or set FEEDGEN_HOSTNAME)")
			}
			if displayName == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			client, err := opts.login(ctx)
			if err != nil {
				return err
			}

			record := bluesky.FeedGeneratorRecord{
				DID:         serviceDID,
				DisplayName: displayName,
				Description: description,
				CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			}

			if avatar != "" {
				blob, err := uploadAvatar(ctx, client, avatar)
				if err != nil {
					return err
				}
				record.Avatar = blob
			}

			fmt.Printf("Publishing feed %q...\n", opts.rkey)
			if err := client.PublishFeedGenerator(ctx, opts.rkey, record); err != nil {
				return err
			}
			fmt.Printf("Feed published: at://%s/app.bsky.feed.generator/%s\n", client.DID(), opts.rkey)
			return nil
		},
	}

	defaultDID := ""
	if h := os.Getenv("FEEDGEN_HOSTNAME"); h != "" {
		defaultDID = "did:web:" + h
	}
	cmd.Flags().StringVar(&serviceDID, "service-did", defaultDID, "feed generator service DID (e.g. did:web:feed.example.com)")
	cmd.Flags().StringVar(&displayName, "name", "", "feed display name (max 24 graphemes)")
	cmd.Flags().StringVar(&description, "description", "", "feed description (max 300 graphemes)")
	cmd.Flags().StringVar(&avatar, "avatar", "", "PNG or JPEG image to use as the feed avatar")
	return cmd
}

func newUnpublishCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Delete the feed generator record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := opts.login(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Unpublishing feed %q...\n", opts.rkey)
			if err := client.UnpublishFeedGenerator(ctx, opts.rkey); err != nil {
				return err
			}
			fmt.Printf("Feed unpublished: at://%s/app.bsky.feed.generator/%s\n", client.DID(), opts.rkey)
			return nil
		},
	}
}

func uploadAvatar(ctx context.Context, client *bluesky.Client, path string) (*bluesky.BlobRef, error) {
	var mimeType string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mimeType = "image/png"
	case ".jpg", ".jpeg":
		mimeType = "image/jpeg"
	default:
		return nil, fmt.Errorf("avatar %s: only .png and .jpg are supported", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read avatar: %w", err)
	}

	fmt.Printf("Uploading avatar %s (%d bytes)...\n", filepath.Base(path), len(data))
	blob, err := client.UploadBlob(ctx, data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("upload avatar: %w", err)
	}
	return blob, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
