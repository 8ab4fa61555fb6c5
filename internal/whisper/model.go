package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultModel = "small"

	modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"
)

// Model is one ggml checkpoint published by whisper.cpp.
type Model struct {
	Name     string
	FileName string
	URL      string
	SHA256   string
	// Size is the download size in bytes.
	Size int64
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	Size          int64
	NeedsDownload bool
	IsCustomPath  bool
}

// ModelStatus reports whether a catalog model is present in a model
// directory.
type ModelStatus struct {
	Model
	Path      string
	Installed bool
}

func ggml(name string, size int64, sha256 string) Model {
	file := "ggml-" + name + ".bin"
	return Model{Name: name, FileName: file, URL: modelBaseURL + file, SHA256: sha256, Size: size}
}

// catalog is ordered from smallest to largest.
var catalog = []Model{
	ggml("tiny", 77691713, "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21"),
	ggml("base", 147951465, "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe"),
	ggml("small", 487601967, "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b"),
	ggml("medium", 1533763059, "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208"),
	ggml("large-v3", 3095033483, "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2"),
}

func Models() []Model {
	return append([]Model(nil), catalog...)
}

func ModelNames() []string {
	names := make([]string, len(catalog))
	for i, m := range catalog {
		names[i] = m.Name
	}
	return names
}

func LookupModel(name string) (Model, bool) {
	for _, m := range catalog {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}

// Inventory lists every catalog model with its location under modelDir.
func Inventory(modelDir string) ([]ModelStatus, error) {
	if strings.TrimSpace(modelDir) == "" {
		return nil, errors.New("model directory must not be empty")
	}
	out := make([]ModelStatus, 0, len(catalog))
	for _, m := range catalog {
		path := filepath.Join(modelDir, m.FileName)
		installed, err := exists(path)
		if err != nil {
			return nil, err
		}
		out = append(out, ModelStatus{Model: m, Path: path, Installed: installed})
	}
	return out, nil
}

// ResolveModel maps a catalog name or a path to a model file. Catalog models
// live under modelDir and may still need downloading; paths must exist.
func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	modelRef = strings.TrimSpace(modelRef)
	if modelRef == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		return resolveNamed(model, modelDir)
	}
	if !looksLikePath(modelRef) {
		return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
	}
	return resolveCustom(modelRef)
}

func resolveNamed(model Model, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	path := filepath.Join(modelDir, model.FileName)
	installed, err := exists(path)
	if err != nil {
		return ResolvedModel{}, err
	}
	return ResolvedModel{
		Name:          model.Name,
		Path:          path,
		URL:           model.URL,
		SHA256:        model.SHA256,
		Size:          model.Size,
		NeedsDownload: !installed,
	}, nil
}

func resolveCustom(ref string) (ResolvedModel, error) {
	path := filepath.Clean(ref)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", path)
		}
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	}
	return ResolvedModel{Name: filepath.Base(path), Path: path, IsCustomPath: true}, nil
}

// EnsureLocal fails when a named model is missing and may not be fetched.
func (r ResolvedModel) EnsureLocal(autoDownload bool) error {
	if !r.NeedsDownload || autoDownload {
		return nil
	}
	return fmt.Errorf("model %s is not installed at %s; run `voxd setup --model %s` or enable auto_download", r.Name, r.Path, r.Name)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat model path: %w", err)
	}
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
