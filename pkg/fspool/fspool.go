// fspool opens the Firestore client the gateway repositories share.
package fspool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
)

const (
	maxAttempts = 5
	retryDelay  = time.Second
)

var ErrNoProject = errors.New("firestore project id is empty")

// NewClient creates a Firestore client for prj. When credFile is not empty
// it is used instead of the application default credentials. Failed
// attempts are retried until ctx is done or maxAttempts is reached.
func NewClient(ctx context.Context, prj, credFile string, l *log.Logger) (*firestore.Client, error) {
	if prj == "" {
		return nil, ErrNoProject
	}

	var opts []option.ClientOption
	if credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}

	var lastErr error
	for cnt := 1; cnt <= maxAttempts; cnt++ {
		client, err := firestore.NewClient(ctx, prj, opts...)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if l != nil {
			l.Printf("Failed to create Firestore client (attempt %d): %v", cnt, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("unable to create firestore client after %d attempts: %w", maxAttempts, lastErr)
}
