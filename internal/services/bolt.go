package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltArchive keeps a write-only transcript of every conversation the process ran, using a BoltDB file.
// It is an audit trail: conversations are never restored from it.
type BoltArchive struct {
	db *bolt.DB
}

// ArchivedSession describes one archived conversation.
type ArchivedSession struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

var sessionsBucket = []byte("sessions")

// NewBoltArchive opens the archive at the specified file path, creating it with 0600 permissions if it
// doesn't exist.
func NewBoltArchive(path string) (BoltArchive, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltArchive{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltArchive{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltArchive{db: db}, nil
}

func transcriptBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

// StartSession registers a conversation so its messages can be archived.
func (b BoltArchive) StartSession(_ context.Context, session ArchivedSession) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(transcriptBucketName(session.ID)); err != nil {
			return fmt.Errorf("failed to create transcript bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return tx.Bucket(sessionsBucket).Put([]byte(session.ID), v)
	})
}

// Sessions returns the archived conversations in reverse chronological order.
func (b BoltArchive) Sessions(context.Context) ([]ArchivedSession, error) {
	var sessions []ArchivedSession
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var s ArchivedSession
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, s)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b ArchivedSession) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return sessions, nil
}

// Archive appends a finished message to the transcript of the given conversation. Messages are keyed by
// a bucket sequence, so the transcript keeps the order in which they were archived.
func (b BoltArchive) Archive(_ context.Context, sessionID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(transcriptBucketName(sessionID))
		if bucket == nil {
			return fmt.Errorf("session %s is not registered", sessionID)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, v)
	})
}

// Transcript returns the archived messages of the given conversation in archive order.
func (b BoltArchive) Transcript(_ context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(transcriptBucketName(sessionID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Close closes the underlying database file.
func (b BoltArchive) Close() error {
	return b.db.Close()
}
