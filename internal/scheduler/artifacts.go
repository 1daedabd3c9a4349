package scheduler

import (
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

// Artifact is one archived file of a finished build.
type Artifact struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// listArtifacts enumerates the regular files under a build's archive
// directory. URLs are the configured archive prefix plus the path relative
// to the archive root; filenames are relative to the build directory.
func (e *Engine) listArtifacts(job string, num int) []Artifact {
	archiveRoot := filepath.Join(e.st.Home, "archive")
	dir := filepath.Join(archiveRoot, job, strconv.Itoa(num))

	out := []Artifact{}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel := strings.TrimPrefix(path, archiveRoot)
		name := strings.TrimPrefix(path, dir+string(filepath.Separator))
		out = append(out, Artifact{
			URL:      e.st.ArchiveURL + filepath.ToSlash(rel),
			Filename: filepath.ToSlash(name),
			Size:     info.Size(),
		})
		return nil
	})
	return out
}
