package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fmueller/voxd/internal/audio"
	"github.com/fmueller/voxd/internal/transcript"
)

// BundledEngine runs whisper.cpp's whisper-cli once per request and reads its
// full JSON output.
type BundledEngine struct {
	Executable string
	ModelPath  string
	Threads    int
	// SilenceDBFS anchors the no-speech estimate: a segment whose RMS sits at
	// this level gets a probability of 0.5.
	SilenceDBFS float64
	Logger      *zap.Logger
}

type EngineOptions struct {
	// WhisperPath overrides executable discovery.
	WhisperPath string
	ModelPath   string
	Threads     int
	SilenceDBFS float64
	Logger      *zap.Logger
}

func NewBundledEngine(opts EngineOptions) (*BundledEngine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}
	if opts.SilenceDBFS == 0 {
		opts.SilenceDBFS = audio.DefaultVADThreshold
	}

	executable := strings.TrimSpace(opts.WhisperPath)
	if executable != "" {
		if err := ensureExecutable(executable); err != nil {
			return nil, fmt.Errorf("whisper_path is not executable: %w", err)
		}
	} else {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve voxd executable path: %w", err)
		}
		executable, err = ResolveBundledEnginePath(self)
		if err != nil {
			return nil, err
		}
	}

	return &BundledEngine{
		Executable:  executable,
		ModelPath:   opts.ModelPath,
		Threads:     opts.Threads,
		SilenceDBFS: opts.SilenceDBFS,
		Logger:      opts.Logger,
	}, nil
}

// ResolveBundledEnginePath looks for whisper-cli next to the voxd binary and
// falls back to PATH.
func ResolveBundledEnginePath(selfExecutable string) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	if onPath, err := exec.LookPath(engineBinaryName()); err == nil {
		return onPath, nil
	}

	return "", fmt.Errorf("whisper engine not found near %s or on PATH; install whisper.cpp or set whisper_path (expected ../libexec/whisper/%s)", selfExecutable, engineBinaryName())
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()
	hostTarget := fmt.Sprintf("%s_%s", runtime.GOOS, normalizeArch(runtime.GOARCH))

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", hostTarget, engineName),
		filepath.Join(binDir, engineName),
	}
}

func (b *BundledEngine) Transcribe(ctx context.Context, req Request) (transcript.Result, error) {
	params := req.Params
	if err := params.Validate(); err != nil {
		return transcript.Result{}, err
	}

	if len(req.Samples) == 0 {
		return transcript.Result{
			Task:     params.ResultTask(),
			Language: params.Language,
			Segments: []transcript.Segment{},
		}, nil
	}

	if err := ensureExecutable(b.Executable); err != nil {
		return transcript.Result{}, fmt.Errorf("%w: whisper engine missing or not executable: %v", ErrInference, err)
	}

	workDir, err := os.MkdirTemp("", "voxd-whisper-*")
	if err != nil {
		return transcript.Result{}, fmt.Errorf("create whisper work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input.wav")
	if err := os.WriteFile(inputPath, audio.EncodeWAV(req.Samples), 0o600); err != nil {
		return transcript.Result{}, fmt.Errorf("write whisper input: %w", err)
	}
	outBase := filepath.Join(workDir, "output")

	args := b.buildArgs(inputPath, outBase, params)
	cmd := exec.CommandContext(ctx, b.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	b.log().Debug("running whisper engine", zap.String("engine", b.Executable), zap.Strings("args", args), zap.Int("samples", len(req.Samples)))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transcript.Result{}, ctxErr
		}
		return transcript.Result{}, classifyRunError(b.Executable, err, stderr.String())
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return transcript.Result{}, fmt.Errorf("%w: read whisper output: %v", ErrInference, err)
	}

	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return transcript.Result{}, fmt.Errorf("%w: decode whisper output: %v", ErrInference, err)
	}

	return convertOutput(out, req.Samples, params, b.SilenceDBFS), nil
}

func (b *BundledEngine) buildArgs(inputPath, outBase string, params DecodeParams) []string {
	args := []string{
		"-m", b.ModelPath,
		"-f", inputPath,
		"-of", outBase,
		"-oj", "-ojf", "-np",
		"-bs", strconv.Itoa(params.BeamSize),
		"-bo", strconv.Itoa(params.BestOf),
		"-tp", formatFloat(params.Temperatures[0]),
	}

	if len(params.Temperatures) > 1 {
		args = append(args, "-tpi", formatFloat(params.Temperatures[1]-params.Temperatures[0]))
	} else {
		args = append(args, "-nf")
	}

	if params.AutoLanguage() {
		args = append(args, "-l", LanguageAuto)
	} else {
		args = append(args, "-l", params.Language)
	}
	if params.Task == TaskTranslate {
		args = append(args, "-tr")
	}
	if !params.ConditionOnPreviousText {
		args = append(args, "-mc", "0")
	}
	if params.Prompt != "" {
		args = append(args, "--prompt", params.Prompt)
	}
	if b.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(b.Threads))
	}
	return args
}

func (b *BundledEngine) log() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []cliSegment `json:"transcription"`
}

type cliSegment struct {
	Offsets cliOffsets `json:"offsets"`
	Text    string     `json:"text"`
	Tokens  []cliToken `json:"tokens"`
}

type cliOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type cliToken struct {
	Text    string     `json:"text"`
	Offsets cliOffsets `json:"offsets"`
	P       float64    `json:"p"`
}

func convertOutput(out cliOutput, samples []int16, params DecodeParams, silenceDBFS float64) transcript.Result {
	result := transcript.Result{
		Task:     params.ResultTask(),
		Language: out.Result.Language,
		Duration: audio.Seconds(len(samples)),
		Segments: make([]transcript.Segment, 0, len(out.Transcription)),
	}
	if result.Language == "" {
		result.Language = params.Language
	}

	for _, seg := range out.Transcription {
		start := float64(seg.Offsets.From) / 1000
		end := float64(seg.Offsets.To) / 1000

		segment := transcript.Segment{
			ID:         len(result.Segments),
			Start:      start,
			End:        end,
			Text:       strings.TrimSpace(seg.Text),
			AvgLogprob: averageLogprob(seg.Tokens),
		}

		if IsBlankText(segment.Text) {
			segment.Text = ""
			segment.NoSpeechProb = 1
		} else {
			segment.NoSpeechProb = noSpeechProbability(sliceSeconds(samples, start, end), silenceDBFS)
		}

		result.Segments = append(result.Segments, segment)
		if params.WordTimestamps && segment.Text != "" {
			result.Words = append(result.Words, tokensToWords(seg.Tokens)...)
		}
	}

	result.Text = transcript.JoinText(result.Segments, false)
	result.Clamp()
	return result
}

func averageLogprob(tokens []cliToken) float64 {
	var sum float64
	var n int
	for _, tok := range tokens {
		if isSpecialToken(tok.Text) || tok.P <= 0 {
			continue
		}
		sum += math.Log(tok.P)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// tokensToWords merges sub-word tokens: a token with a leading space starts
// a new word.
func tokensToWords(tokens []cliToken) []transcript.Word {
	var words []transcript.Word
	var probs []float64

	flush := func() {
		if len(words) == 0 || len(probs) == 0 {
			return
		}
		var sum float64
		for _, p := range probs {
			sum += p
		}
		words[len(words)-1].Probability = sum / float64(len(probs))
		probs = probs[:0]
	}

	for _, tok := range tokens {
		if isSpecialToken(tok.Text) || strings.TrimSpace(tok.Text) == "" {
			continue
		}
		start := float64(tok.Offsets.From) / 1000
		end := float64(tok.Offsets.To) / 1000

		if len(words) == 0 || strings.HasPrefix(tok.Text, " ") {
			flush()
			words = append(words, transcript.Word{Word: strings.TrimSpace(tok.Text), Start: start, End: end})
		} else {
			last := &words[len(words)-1]
			last.Word += tok.Text
			last.End = end
		}
		probs = append(probs, tok.P)
	}
	flush()
	return words
}

// noSpeechProbability maps segment loudness onto [0, 1] with a logistic curve
// centered on silenceDBFS. whisper-cli does not export the decoder's own
// no-speech probability.
func noSpeechProbability(samples []int16, silenceDBFS float64) float64 {
	levels := audio.Measure(samples)
	if math.IsInf(levels.RMSdBFS, -1) {
		return 1
	}
	return 1 / (1 + math.Exp((levels.RMSdBFS-silenceDBFS)/3))
}

func sliceSeconds(samples []int16, start, end float64) []int16 {
	from := clampIndex(int(start*audio.SampleRate), len(samples))
	to := clampIndex(int(end*audio.SampleRate), len(samples))
	if to <= from {
		return nil
	}
	return samples[from:to]
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

func isSpecialToken(text string) bool {
	return strings.HasPrefix(text, "[_") || (strings.HasPrefix(text, "<|") && strings.HasSuffix(text, "|>"))
}

func classifyRunError(executable string, err error, stderr string) error {
	errText := strings.TrimSpace(stderr)
	if isMissingSharedLibraryError(errText) {
		return fmt.Errorf("%w: whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF", ErrInference, executable, errText)
	}
	if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
		return fmt.Errorf("%w: whisper engine crashed with an illegal CPU instruction; "+
			"set whisper_path to a whisper-cli binary built for this CPU", ErrInference)
	}
	if errText != "" {
		return fmt.Errorf("%w: whisper-cli: %v (%s)", ErrInference, err, lastLine(errText))
	}
	return fmt.Errorf("%w: whisper-cli: %v", ErrInference, err)
}

func lastLine(text string) string {
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	for _, pattern := range []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	} {
		if strings.Contains(value, pattern) {
			return true
		}
	}
	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}
