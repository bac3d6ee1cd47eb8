// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/shepherd/lib/statefile"
)

// ArchiveLogs compresses the log of every ended terminal session whose
// last write is older than olderThan into <id>.log.zst and removes the
// plain log. A log archived earlier is extended with a new zstd frame,
// so repeated sessions for one work item keep their whole history.
// Returns the number of logs archived.
func (relay *Relay) ArchiveLogs(olderThan time.Duration) (int, error) {
	paths, err := statefile.List(relay.directory, ".log")
	if err != nil {
		return 0, err
	}

	now := relay.clock.Now()
	archived := 0
	var errs []error
	for _, path := range paths {
		workItemID := strings.TrimSuffix(filepath.Base(path), ".log")
		done, size, err := relay.archiveIfIdle(workItemID, path, now, olderThan)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if done {
			archived++
			relay.logger.Info("terminal log archived", "work_item_id", workItemID, "bytes", size)
		}
	}
	return archived, errors.Join(errs...)
}

// archiveIfIdle archives one log unless its work item has a live
// session or it was written within olderThan. The work item's log guard
// is held throughout, so no session can open the log meanwhile.
func (relay *Relay) archiveIfIdle(workItemID, path string, now time.Time, olderThan time.Duration) (bool, int64, error) {
	unlock := relay.logGuards.lock(workItemID)
	defer unlock()

	if relay.lookup(workItemID) != nil {
		return false, 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if now.Sub(info.ModTime()) < olderThan {
		return false, 0, nil
	}
	if err := relay.archiveLog(workItemID); err != nil {
		return false, 0, fmt.Errorf("archiving %s: %w", workItemID, err)
	}
	return true, info.Size(), nil
}

func (relay *Relay) archiveLog(workItemID string) error {
	logPath := relay.logPath(workItemID)
	archivePath := relay.archivePath(workItemID)

	source, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer source.Close()

	temporary, err := os.CreateTemp(relay.directory, "."+workItemID+".log.zst.*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary archive: %w", err)
	}
	temporaryPath := temporary.Name()
	fail := func(err error) error {
		temporary.Close()
		os.Remove(temporaryPath)
		return err
	}

	if previous, err := os.Open(archivePath); err == nil {
		_, copyErr := io.Copy(temporary, previous)
		previous.Close()
		if copyErr != nil {
			return fail(fmt.Errorf("copying previous archive: %w", copyErr))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fail(err)
	}

	encoder, err := zstd.NewWriter(temporary, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fail(fmt.Errorf("creating zstd encoder: %w", err))
	}
	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		return fail(fmt.Errorf("compressing: %w", err))
	}
	if err := encoder.Close(); err != nil {
		return fail(fmt.Errorf("finishing zstd frame: %w", err))
	}
	if err := temporary.Sync(); err != nil {
		return fail(fmt.Errorf("syncing archive: %w", err))
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(temporaryPath, archivePath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming archive into place: %w", err)
	}
	return statefile.Remove(logPath)
}

// readHistory returns up to the retained size of the newest output on
// disk for an ended session: the archive followed by the plain log.
func (relay *Relay) readHistory(workItemID string) ([]byte, error) {
	limit := relay.retain

	logTail, logErr := readFileTail(relay.logPath(workItemID), limit)
	if logErr != nil && !errors.Is(logErr, fs.ErrNotExist) {
		return nil, logErr
	}
	if len(logTail) >= limit {
		return logTail, nil
	}

	archiveTail, archiveErr := readArchiveTail(relay.archivePath(workItemID), limit-len(logTail))
	if archiveErr != nil && !errors.Is(archiveErr, fs.ErrNotExist) {
		return nil, archiveErr
	}
	if logErr != nil && archiveErr != nil {
		return nil, ErrNoSession
	}
	return append(archiveTail, logTail...), nil
}

// readFileTail returns the last limit bytes of path.
func readFileTail(path string, limit int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	offset := max(info.Size()-int64(limit), 0)
	data := make([]byte, info.Size()-offset)
	if _, err := file.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// readArchiveTail decompresses path and returns the last limit bytes.
func readArchiveTail(path string, limit int) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer decoder.Close()

	if limit <= 0 {
		return nil, nil
	}
	var tail []byte
	chunk := make([]byte, 64*1024)
	for {
		count, err := decoder.Read(chunk)
		tail = append(tail, chunk[:count]...)
		if len(tail) > 2*limit {
			tail = append(tail[:0:0], tail[len(tail)-limit:]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
	}
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail, nil
}
