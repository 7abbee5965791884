// Package detect inspects a project's file map for recognizable manifests
// and derives the shell commands needed to set up and start the project
// after a restore.
package detect

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/chisel-dev/chisel/internal/chat"
)

// ManifestFile is the dependency-declaration file the restore path checks
// for before auto-starting a project.
const ManifestFile = "package.json"

// Commands is the detector's output: either command may be empty when the
// project gives no signal for it.
type Commands struct {
	Setup string
	Start string
}

// packageJSON is the subset of the npm manifest we inspect.
type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// Detect derives setup/start commands from the files of a project.
// Recognized manifests, in priority order: package.json (with its lockfile
// deciding the package manager), requirements.txt, go.mod.
func Detect(files chat.FileMap) Commands {
	if manifest, dir, ok := findFile(files, ManifestFile); ok {
		return detectNode(manifest, dir, files)
	}

	if _, _, ok := findFile(files, "requirements.txt"); ok {
		return Commands{
			Setup: "pip install -r requirements.txt",
			Start: pythonStart(files),
		}
	}

	if _, _, ok := findFile(files, "go.mod"); ok {
		return Commands{Setup: "go mod download", Start: "go run ."}
	}

	return Commands{}
}

func detectNode(manifest string, dir string, files chat.FileMap) Commands {
	pm := packageManager(files, dir)

	cmds := Commands{Setup: pm + " install"}

	var pkg packageJSON
	if err := json.Unmarshal([]byte(manifest), &pkg); err != nil {
		return cmds
	}

	// Prefer the dev server script over a production start.
	for _, script := range []string{"dev", "start", "serve", "preview"} {
		if _, ok := pkg.Scripts[script]; ok {
			cmds.Start = pm + " run " + script
			break
		}
	}
	return cmds
}

// packageManager picks the package manager from the lockfile next to the
// manifest. Defaults to npm.
func packageManager(files chat.FileMap, dir string) string {
	lockfiles := map[string]string{
		"pnpm-lock.yaml":    "pnpm",
		"yarn.lock":         "yarn",
		"bun.lockb":         "bun",
		"package-lock.json": "npm",
	}
	for name, pm := range lockfiles {
		if _, ok := files[path.Join(dir, name)]; ok {
			return pm
		}
	}
	return "npm"
}

func pythonStart(files chat.FileMap) string {
	for _, entry := range []string{"main.py", "app.py"} {
		if _, _, ok := findFile(files, entry); ok {
			return "python " + entry
		}
	}
	return ""
}

// findFile locates the shallowest entry whose base name matches name and
// returns its content and containing directory.
func findFile(files chat.FileMap, name string) (content, dir string, ok bool) {
	bestDepth := -1
	for p, ent := range files {
		if ent.Type != chat.DirentFile || path.Base(p) != name {
			continue
		}
		depth := strings.Count(p, "/")
		if bestDepth == -1 || depth < bestDepth {
			bestDepth = depth
			content = ent.Content
			dir = path.Dir(p)
			ok = true
		}
	}
	return content, dir, ok
}
