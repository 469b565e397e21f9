package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopfront/autopilot/internal/autopilot"
	"github.com/shopfront/autopilot/internal/logging"
	"go.uber.org/zap"
)

const contentTypeJSON = "application/json"

var ErrIncompleteTranscript = errors.New("transcript has no inbound or draft message id")

type ObjectStore interface {
	Upload(ctx context.Context, data []byte, objectKey, contentType string) (string, error)
	Download(ctx context.Context, objectKey string) ([]byte, error)
}

// TranscriptArchive keeps one JSON object per draft, keyed by creation day
// and inbound message, so a reviewer can find every attempt for a message.
type TranscriptArchive struct {
	Store ObjectStore
}

func NewTranscriptArchive(store ObjectStore) *TranscriptArchive {
	return &TranscriptArchive{Store: store}
}

func TranscriptKey(transcript *autopilot.Transcript) string {
	return fmt.Sprintf("transcripts/%s/%s/%s.json",
		transcript.CreatedAt.UTC().Format("2006/01/02"),
		transcript.InboundMessageID,
		transcript.DraftMessageID,
	)
}

func (a *TranscriptArchive) StoreTranscript(ctx context.Context, transcript *autopilot.Transcript) error {
	if transcript.InboundMessageID == "" || transcript.DraftMessageID == "" {
		return ErrIncompleteTranscript
	}

	body, err := json.Marshal(transcript)
	if err != nil {
		return err
	}

	key := TranscriptKey(transcript)

	url, err := a.Store.Upload(ctx, body, key, contentTypeJSON)
	if err != nil {
		return err
	}

	logging.Logger.Info("[StoreTranscript] Transcript archived",
		zap.String("draft_message_id", transcript.DraftMessageID),
		zap.String("url", url),
	)

	return nil
}

func (a *TranscriptArchive) LoadTranscript(ctx context.Context, key string) (*autopilot.Transcript, error) {
	body, err := a.Store.Download(ctx, key)
	if err != nil {
		return nil, err
	}

	var transcript autopilot.Transcript

	err = json.Unmarshal(body, &transcript)
	if err != nil {
		return nil, err
	}

	return &transcript, nil
}
