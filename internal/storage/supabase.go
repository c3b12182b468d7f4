package storage

import (
	"bytes"
	"context"
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

const snippetTable = "whatsapp_snippets"

// Supabase implements Store against a Supabase project: PostgREST for
// snippet inserts, Supabase Storage for media objects.
type Supabase struct {
	client *supabase.Client
}

// NewSupabase creates a Supabase-backed store.
func NewSupabase(url, apiKey string) (*Supabase, error) {
	client, err := supabase.NewClient(url, apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Supabase{client: client}, nil
}

// InsertSnippet inserts one row into the snippet table.
func (s *Supabase) InsertSnippet(_ context.Context, snip *Snippet) error {
	_, _, err := s.client.From(snippetTable).
		Insert(snip, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("insert snippet: %w", err)
	}
	return nil
}

// UploadObject uploads a media binary into the bucket under filename.
func (s *Supabase) UploadObject(_ context.Context, bucket, filename string, data []byte, contentType string) (string, error) {
	opts := storage_go.FileOptions{}
	if contentType != "" {
		opts.ContentType = &contentType
	}
	resp, err := s.client.Storage.UploadFile(bucket, filename, bytes.NewReader(data), opts)
	if err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	if resp.Key != "" {
		return resp.Key, nil
	}
	return filename, nil
}

// PublicURL returns the public URL for an uploaded object.
func (s *Supabase) PublicURL(bucket, path string) string {
	return s.client.Storage.GetPublicUrl(bucket, path).SignedURL
}
