package main

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/opencontainers/go-digest"
)

// Blobs can be uploaded with multiple HTTP PATCH requests, each adding
// data to the upload in progress. The per-upload mutex serializes
// concurrent appends on the same session, so chunks land in arrival
// order and ranges are never lost or duplicated. Uploads are cleaned up
// after a timeout after no activity.
type upload struct {
	UUID     string
	Repo     string
	Started  time.Time
	Done     chan struct{} // Closed when upload is finished.
	Activity chan struct{} // HTTP handlers send on this channel on activity, for inactivity timer.

	sync.Mutex
	Offset   int64
	Writer   io.Writer // Multiwriter that writes to both file and digester.
	File     *os.File  // Temporary file.
	Digester digest.Digester
}

var uploadsLock sync.Mutex
var uploads = map[string]*upload{}

var uploadInactivityDuration = 15 * time.Minute

func newUpload(repo string) (*upload, error) {
	os.MkdirAll(filepath.Join(config.DataDir, "tmp"), 0755)
	f, err := os.CreateTemp(filepath.Join(config.DataDir, "tmp"), "crate-blob-upload")
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		os.Remove(f.Name())
		f.Close()
		return nil, err
	}

	uploadsLock.Lock()
	defer uploadsLock.Unlock()

	up := &upload{
		UUID:     id.String(),
		Repo:     repo,
		Started:  time.Now(),
		Done:     make(chan struct{}),
		Activity: make(chan struct{}, 1),
		File:     f,
		Digester: digest.Canonical.Digester(),
	}
	up.Writer = io.MultiWriter(f, up.Digester.Hash())
	uploads[up.UUID] = up

	go func() {
		timer := time.NewTimer(uploadInactivityDuration)
		defer timer.Stop()

		for {
			select {
			case <-up.Done:
				return

			case <-up.Activity:
				timer.Reset(uploadInactivityDuration)

			case <-timer.C:
				up.Lock()
				defer up.Unlock()
				up.Cancel()
				return
			}
		}
	}()

	return up, nil
}

// uploadLookup finds an upload session for a repository. Sessions are
// bound to the repository they were started for.
func uploadLookup(repo, uuid string) *upload {
	uploadsLock.Lock()
	defer uploadsLock.Unlock()
	up := uploads[uuid]
	if up != nil && up.Repo != repo {
		return nil
	}
	return up
}

// Called with up lock held.
func (up *upload) Cancel() {
	uploadsLock.Lock()
	delete(uploads, up.UUID)
	uploadsLock.Unlock()

	if up.File == nil {
		return
	}

	err := os.Remove(up.File.Name())
	logCheck(err, "removing uploaded file after cancel")
	err = up.File.Close()
	logCheck(err, "closing uploaded file after cancel")
	up.File = nil
	close(up.Done)
}

func (up *upload) SendActivity() {
	select {
	case up.Activity <- struct{}{}:
	default:
	}
}
