// Package isolation holds the contract shared by the embedding orchestrator
// and the isolation worker: the safety environment applied to every worker
// and the outcome record the worker leaves behind.
package isolation

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
)

const (
	EnvOrtCPUArena        = "FACEVEC_ORT_CPU_ARENA"
	EnvOrtMemPattern      = "FACEVEC_ORT_MEM_PATTERN"
	EnvOrtIntraOpThreads  = "FACEVEC_ORT_INTRA_OP_THREADS"
	EnvOrtInterOpThreads  = "FACEVEC_ORT_INTER_OP_THREADS"
	EnvOrtDevice          = "FACEVEC_ORT_DEVICE"
	EnvModelDir           = "FACEVEC_MODEL_DIR"
	EnvOrtLibrary         = "FACEVEC_ORT_LIBRARY"
	DeviceCPU             = "cpu"
	workerGOMAXPROCSLimit = "1"
)

// safetyEnv must take effect before the runtime library is loaded in the
// worker; the library reads thread and allocator settings once at load time.
var safetyEnv = map[string]string{
	// math kernels: OpenMP, OpenBLAS and MKL builds of the runtime
	"OMP_NUM_THREADS":      "1",
	"OPENBLAS_NUM_THREADS": "1",
	"MKL_NUM_THREADS":      "1",

	// no GPU, so no cuDNN/TensorRT algorithm autotuning either
	"CUDA_VISIBLE_DEVICES": "-1",
	EnvOrtDevice:           DeviceCPU,

	// onnxruntime session settings, read by the worker
	EnvOrtCPUArena:       "0",
	EnvOrtMemPattern:     "0",
	EnvOrtIntraOpThreads: "1",
	EnvOrtInterOpThreads: "1",

	// go runtime of the worker itself
	"GOMAXPROCS": workerGOMAXPROCSLimit,
	"GODEBUG":    "madvdontneed=1",
}

// SafetyEnv returns a copy of the safety table.
func SafetyEnv() map[string]string {
	return maps.Clone(safetyEnv)
}

// MergeEnv returns base (KEY=VALUE entries, as from os.Environ) with every
// overlay applied in order; a later overlay wins over an earlier one and over
// base. Entries that only exist in overlays are appended sorted by key so the
// result is deterministic.
func MergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string)
	for _, overlay := range overlays {
		maps.Copy(merged, overlay)
	}

	out := make([]string, 0, len(base)+len(merged))
	seen := make(map[string]bool, len(merged))
	for _, entry := range base {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if value, override := merged[key]; override {
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key+"="+value)
			continue
		}
		out = append(out, entry)
	}

	for _, key := range slices.Sorted(maps.Keys(merged)) {
		if !seen[key] {
			out = append(out, key+"="+merged[key])
		}
	}

	return out
}

// ApplyProcess sets the safety table on the current process. The worker
// calls it before creating its backend so it is safe even when started by
// hand without the orchestrator.
func ApplyProcess() error {
	for _, key := range slices.Sorted(maps.Keys(safetyEnv)) {
		if err := os.Setenv(key, safetyEnv[key]); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// RuntimeSettings are the onnxruntime session settings derived from the
// environment.
type RuntimeSettings struct {
	CPUArena       bool
	MemPattern     bool
	IntraOpThreads int
	InterOpThreads int
	Device         string
	ModelDir       string
	LibraryPath    string
}

// SettingsFromEnv reads RuntimeSettings through getenv. Unset or unparsable
// values fall back to the safe setting, never to the runtime's default.
func SettingsFromEnv(getenv func(string) string) RuntimeSettings {
	return RuntimeSettings{
		CPUArena:       parseBool(getenv(EnvOrtCPUArena)),
		MemPattern:     parseBool(getenv(EnvOrtMemPattern)),
		IntraOpThreads: parseThreads(getenv(EnvOrtIntraOpThreads)),
		InterOpThreads: parseThreads(getenv(EnvOrtInterOpThreads)),
		Device:         DeviceCPU,
		ModelDir:       getenv(EnvModelDir),
		LibraryPath:    getenv(EnvOrtLibrary),
	}
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func parseThreads(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
