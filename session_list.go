package pgbackup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/aalhour/pgbackup/internal/logging"
	"github.com/aalhour/pgbackup/internal/orchestrator"
	"github.com/aalhour/pgbackup/vfs"
)

// minDataDirEntries is the plausibility floor for a data directory: a real
// cluster always has at least this many entries (catalogs alone account
// for hundreds), so anything smaller is a mispointed path, not a database.
const minDataDirEntries = 100

// walkedFile is one entry produced by walking a directory tree: an absolute
// source path, its path relative to the tree's root, and the os.FileInfo
// from Stat (symlinks are reported via Lstat-equivalent info where the
// filesystem implementation supports it; vfs.FS.Stat follows symlinks, so a
// symlink's Kind is instead inferred from a read-link probe in list()).
type walkedFile struct {
	AbsPath string
	RelPath string
	Info    os.FileInfo
}

// walkTree recursively lists every entry under root, returning paths
// relative to root using forward slashes.
func walkTree(fs fsLister, root string) ([]walkedFile, error) {
	var out []walkedFile
	var walk func(dir, relDir string) error
	walk = func(dir, relDir string) error {
		names, err := fs.ListDir(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			abs := filepath.Join(dir, name)
			rel := name
			if relDir != "" {
				rel = relDir + "/" + name
			}
			info, err := fs.Stat(abs)
			if err != nil {
				return err
			}
			out = append(out, walkedFile{AbsPath: abs, RelPath: rel, Info: info})
			if info.IsDir() {
				if err := walk(abs, rel); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// fsLister is the subset of vfs.FS that directory walking needs, kept
// narrow so tests can supply a minimal fake.
type fsLister interface {
	ListDir(path string) ([]string, error)
	Stat(name string) (os.FileInfo, error)
	Exists(name string) bool
}

// list walks the data directory and every configured external directory,
// classifying each entry and filtering out temp relations and (where
// UnloggedChecker says so) non-init forks of unlogged relations.
func (s *Session) list(ctx context.Context) error {
	log := s.opts.logger()

	if err := s.loadParentFiles(); err != nil {
		return err
	}

	fs := s.fs(vfs.DBHost)
	cfsDirs := map[string]bool{}

	var files []*File

	add := func(root string, extDirNum int) error {
		walked, err := walkTree(fs, root)
		if err != nil {
			return NewError(KindIO, SeverityError, "Session.list", err)
		}
		if extDirNum == 0 && len(walked) < minDataDirEntries {
			return NewError(KindConfig, SeverityError, "Session.list",
				fmt.Errorf("data directory %s has only %d entries, expected at least %d; is it really a cluster data directory?",
					root, len(walked), minDataDirEntries))
		}
		for _, w := range walked {
			f := s.classify(w, root, extDirNum, cfsDirs, fs)
			if f == nil {
				continue
			}
			if _, ok := s.prevByPath[f.RelPath]; ok {
				f.ExistsInPrev = true
			}
			files = append(files, f)
		}
		return nil
	}

	if err := add(s.dataDir, 0); err != nil {
		return err
	}
	for i, dir := range s.opts.ExternalDirs {
		if err := add(dir, i+1); err != nil {
			return err
		}
	}

	// Ascending path order is load-bearing: the page-map builder's binary
	// search and the restore layout both assume it.
	sort.Slice(files, func(i, j int) bool {
		if files[i].ExternalDirNum != files[j].ExternalDirNum {
			return files[i].ExternalDirNum < files[j].ExternalDirNum
		}
		return files[i].RelPath < files[j].RelPath
	})

	s.backup.Files = files
	log.Infof(logging.NSOrchestrator+"backup %s listed %d files", s.backup.ID(), len(files))

	if err := s.store.SaveFileList(s.backup); err != nil {
		return err
	}
	return s.machine.Advance(orchestrator.StateListed)
}

// classify turns one walked entry into a File, or returns nil if it should
// be excluded from the backup entirely (a temp relation, or a filtered fork
// of an unlogged relation).
func (s *Session) classify(w walkedFile, root string, extDirNum int, cfsDirs map[string]bool, fs fsLister) *File {
	f := &File{
		AbsPath:        w.AbsPath,
		RelPath:        w.RelPath,
		Size:           w.Info.Size(),
		Mode:           uint32(w.Info.Mode().Perm()),
		ExternalDirNum: extDirNum,
		NBlocks:        -1,
	}

	switch {
	case w.Info.IsDir():
		f.Kind = FileDirectory
		if filepath.Base(w.RelPath) != compressionMarkerName {
			if fs.Exists(w.AbsPath + "/" + compressionMarkerName) {
				cfsDirs[w.AbsPath] = true
			}
		}
		return f
	case w.Info.Mode()&os.ModeSymlink != 0:
		f.Kind = FileSymlink
		return f
	}

	for dir, cfs := range cfsDirs {
		if cfs && isUnder(dir, w.AbsPath) {
			f.IsCFS = true
			break
		}
	}

	if extDirNum > 0 {
		// External directories are opaque trees (tablespace mount points,
		// config directories): never interpreted as relation files.
		return f
	}

	if IsTempRelationFile(filepath.Base(w.RelPath)) {
		return nil
	}

	dbOID, tsOID, relOID, segNo, fork, ok := ClassifyRelation(w.RelPath)
	if !ok {
		return f
	}
	if SkipFork(fork, dbOID, relOID, s.deps.UnloggedChecker) {
		return nil
	}

	f.IsDatafile = true
	f.DBOID = dbOID
	f.TablespaceOID = tsOID
	f.RelOID = relOID
	f.SegNo = segNo
	f.Fork = fork
	return f
}

func isUnder(dir, path string) bool {
	if len(path) <= len(dir) {
		return false
	}
	return path[:len(dir)] == dir && path[len(dir)] == '/'
}
