package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/llm-chat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the conversation, folder and settings store on top of a BoltDB file. Every write happens
// in its own transaction, so a caller that waits for a method to return knows the write is durable before it
// issues the next one.
type BoltDB struct {
	db  *bolt.DB
	now func() time.Time
}

type conversationRecord struct {
	models.Conversation
	Seq uint64 `json:"seq"`
}

type folderRecord struct {
	models.Folder
	Seq uint64 `json:"seq"`
}

var (
	conversationsBucket = []byte("conversations")
	foldersBucket       = []byte("folders")
	settingsBucket      = []byte("settings")

	activeConversationKey = []byte("activeConversationId")
	selectedModelKey      = []byte("selectedModel")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, foldersBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func decodeConversation(v []byte) (conversationRecord, error) {
	var rec conversationRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return conversationRecord{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	// Conversations written before folders existed have no folder.
	if rec.FolderID == "" {
		rec.FolderID = models.DefaultFolderID
	}
	return rec, nil
}

func putConversation(bucket *bolt.Bucket, rec conversationRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return bucket.Put([]byte(rec.ID), v)
}

// Conversations returns every stored conversation, most recently created first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var recs []conversationRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			rec, err := decodeConversation(v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(recs, func(a, b conversationRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})

	convs := make([]models.Conversation, len(recs))
	for i, rec := range recs {
		convs[i] = rec.Conversation
	}
	return convs, nil
}

// Conversation returns the conversation with the given id. The boolean is false when it doesn't exist.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, bool, error) {
	var conv models.Conversation
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		rec, err := decodeConversation(v)
		if err != nil {
			return err
		}
		conv = rec.Conversation
		found = true
		return nil
	})
	return conv, found, err
}

// AddConversation stores a new conversation. It is placed at the head of the list returned by Conversations.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	if conv.FolderID == "" {
		conv.FolderID = models.DefaultFolderID
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		return putConversation(bucket, conversationRecord{Conversation: conv, Seq: seq})
	})
}

// UpsertConversation merges update into the stored conversation and bumps its UpdatedAt. It returns
// models.ErrConversationNotFound if the conversation doesn't exist.
func (b BoltDB) UpsertConversation(_ context.Context, id string, update models.ConversationUpdate) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		v := bucket.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
		}
		rec, err := decodeConversation(v)
		if err != nil {
			return err
		}
		rec.Conversation = update.Apply(rec.Conversation, b.now())
		return putConversation(bucket, rec)
	})
}

// DeleteConversation removes a conversation. Deleting an unknown id is not an error.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

// MoveConversation assigns a conversation to another folder. The folder must exist unless it is the default
// one.
func (b BoltDB) MoveConversation(_ context.Context, id, folderID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if folderID != models.DefaultFolderID && tx.Bucket(foldersBucket).Get([]byte(folderID)) == nil {
			return fmt.Errorf("%w: %s", models.ErrFolderNotFound, folderID)
		}
		bucket := tx.Bucket(conversationsBucket)
		v := bucket.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
		}
		rec, err := decodeConversation(v)
		if err != nil {
			return err
		}
		rec.FolderID = folderID
		return putConversation(bucket, rec)
	})
}

// MoveConversationsToFolder moves every conversation of one folder into another.
func (b BoltDB) MoveConversationsToFolder(_ context.Context, fromFolderID, toFolderID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return moveConversations(tx, fromFolderID, toFolderID)
	})
}

func moveConversations(tx *bolt.Tx, fromFolderID, toFolderID string) error {
	bucket := tx.Bucket(conversationsBucket)
	var moved []conversationRecord
	err := bucket.ForEach(func(_, v []byte) error {
		rec, err := decodeConversation(v)
		if err != nil {
			return err
		}
		if rec.FolderID == fromFolderID {
			rec.FolderID = toFolderID
			moved = append(moved, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Bolt forbids writes while iterating, so the records are put afterwards.
	for _, rec := range moved {
		if err := putConversation(bucket, rec); err != nil {
			return err
		}
	}
	return nil
}

// ClearConversations removes every conversation and forgets the active one.
func (b BoltDB) ClearConversations(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(conversationsBucket); err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
		if _, err := tx.CreateBucket(conversationsBucket); err != nil {
			return fmt.Errorf("failed to recreate conversations: %w", err)
		}
		return tx.Bucket(settingsBucket).Delete(activeConversationKey)
	})
}

func decodeFolder(v []byte) (folderRecord, error) {
	var rec folderRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return folderRecord{}, fmt.Errorf("failed to unmarshal folder: %w", err)
	}
	return rec, nil
}

func putFolder(bucket *bolt.Bucket, rec folderRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal folder: %w", err)
	}
	return bucket.Put([]byte(rec.ID), v)
}

// Folders returns the default folder followed by the user's folders in creation order.
func (b BoltDB) Folders(context.Context) ([]models.Folder, error) {
	def := models.DefaultFolder()
	var recs []folderRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(foldersBucket).ForEach(func(_, v []byte) error {
			rec, err := decodeFolder(v)
			if err != nil {
				return err
			}
			if rec.ID == models.DefaultFolderID {
				def = rec.Folder
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(recs, func(a, b folderRecord) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	folders := make([]models.Folder, 0, len(recs)+1)
	folders = append(folders, def)
	for _, rec := range recs {
		folders = append(folders, rec.Folder)
	}
	return folders, nil
}

// AddFolder creates a folder. A blank name becomes "New Folder".
func (b BoltDB) AddFolder(_ context.Context, name string) (models.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "New Folder"
	}
	folder := models.Folder{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: b.now(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(foldersBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		return putFolder(bucket, folderRecord{Folder: folder, Seq: seq})
	})
	if err != nil {
		return models.Folder{}, err
	}
	return folder, nil
}

// RenameFolder renames a user folder. Blank names and the default folder are left unchanged.
func (b BoltDB) RenameFolder(_ context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || id == models.DefaultFolderID {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(foldersBucket)
		v := bucket.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", models.ErrFolderNotFound, id)
		}
		rec, err := decodeFolder(v)
		if err != nil {
			return err
		}
		rec.Name = name
		return putFolder(bucket, rec)
	})
}

// DeleteFolder removes a user folder and moves its conversations to the default folder in the same
// transaction. The default folder cannot be deleted.
func (b BoltDB) DeleteFolder(_ context.Context, id string) error {
	if id == models.DefaultFolderID {
		return models.ErrDefaultFolder
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(foldersBucket)
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", models.ErrFolderNotFound, id)
		}
		if err := moveConversations(tx, id, models.DefaultFolderID); err != nil {
			return err
		}
		return bucket.Delete([]byte(id))
	})
}

// ToggleFolderCollapsed flips the collapsed flag of a folder, including the default one.
func (b BoltDB) ToggleFolderCollapsed(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(foldersBucket)
		var rec folderRecord
		v := bucket.Get([]byte(id))
		switch {
		case v != nil:
			var err error
			if rec, err = decodeFolder(v); err != nil {
				return err
			}
		case id == models.DefaultFolderID:
			rec = folderRecord{Folder: models.DefaultFolder()}
		default:
			return fmt.Errorf("%w: %s", models.ErrFolderNotFound, id)
		}
		rec.IsCollapsed = !rec.IsCollapsed
		return putFolder(bucket, rec)
	})
}

func (b BoltDB) setting(key []byte) (string, error) {
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(settingsBucket).Get(key))
		return nil
	})
	return value, err
}

func (b BoltDB) setSetting(key []byte, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(settingsBucket)
		if value == "" {
			return bucket.Delete(key)
		}
		return bucket.Put(key, []byte(value))
	})
}

// ActiveConversationID returns the id of the active conversation, or an empty string if none is active.
func (b BoltDB) ActiveConversationID(context.Context) (string, error) {
	return b.setting(activeConversationKey)
}

// SetActiveConversationID persists the active conversation. An empty id clears it.
func (b BoltDB) SetActiveConversationID(_ context.Context, id string) error {
	return b.setSetting(activeConversationKey, id)
}

// SelectedModel returns the persisted model selection, or an empty string if none was made.
func (b BoltDB) SelectedModel(context.Context) (string, error) {
	return b.setting(selectedModelKey)
}

// SetSelectedModel persists the model selection.
func (b BoltDB) SetSelectedModel(_ context.Context, model string) error {
	return b.setSetting(selectedModelKey, model)
}
