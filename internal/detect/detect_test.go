package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chisel-dev/chisel/internal/chat"
)

func file(content string) chat.Dirent {
	return chat.Dirent{Type: chat.DirentFile, Content: content}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		files chat.FileMap
		want  Commands
	}{
		{
			name:  "no manifest",
			files: chat.FileMap{"/project/notes.txt": file("hi")},
			want:  Commands{},
		},
		{
			name: "package.json with dev script defaults to npm",
			files: chat.FileMap{
				"/project/package.json": file(`{"scripts":{"dev":"vite","build":"vite build"}}`),
			},
			want: Commands{Setup: "npm install", Start: "npm run dev"},
		},
		{
			name: "pnpm lockfile selects pnpm",
			files: chat.FileMap{
				"/project/package.json":  file(`{"scripts":{"start":"node index.js"}}`),
				"/project/pnpm-lock.yaml": file(""),
			},
			want: Commands{Setup: "pnpm install", Start: "pnpm run start"},
		},
		{
			name: "yarn lockfile selects yarn",
			files: chat.FileMap{
				"/project/package.json": file(`{"scripts":{"dev":"next dev"}}`),
				"/project/yarn.lock":    file(""),
			},
			want: Commands{Setup: "yarn install", Start: "yarn run dev"},
		},
		{
			name: "dev preferred over start",
			files: chat.FileMap{
				"/project/package.json": file(`{"scripts":{"start":"node server.js","dev":"nodemon server.js"}}`),
			},
			want: Commands{Setup: "npm install", Start: "npm run dev"},
		},
		{
			name: "malformed package.json still yields install",
			files: chat.FileMap{
				"/project/package.json": file(`{not json`),
			},
			want: Commands{Setup: "npm install"},
		},
		{
			name: "shallowest manifest wins over nested one",
			files: chat.FileMap{
				"/project/package.json":              file(`{"scripts":{"dev":"vite"}}`),
				"/project/vendor/dep/package.json":   file(`{"scripts":{"start":"node x"}}`),
				"/project/vendor/dep/yarn.lock":      file(""),
			},
			want: Commands{Setup: "npm install", Start: "npm run dev"},
		},
		{
			name: "python project",
			files: chat.FileMap{
				"/project/requirements.txt": file("flask"),
				"/project/app.py":           file("print('hi')"),
			},
			want: Commands{Setup: "pip install -r requirements.txt", Start: "python app.py"},
		},
		{
			name: "go project",
			files: chat.FileMap{
				"/project/go.mod":  file("module example.com/x"),
				"/project/main.go": file("package main"),
			},
			want: Commands{Setup: "go mod download", Start: "go run ."},
		},
		{
			name: "folder entries are ignored",
			files: chat.FileMap{
				"/project/package.json": {Type: chat.DirentFolder},
			},
			want: Commands{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.files))
		})
	}
}
