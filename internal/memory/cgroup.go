package memory

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	cgroupV2MaxFilename    = "memory.max"
	cgroupV1LimitFilename  = "memory.limit_in_bytes"
	cgroupV1MemorySubdir   = "memory"
	cgroupUnlimitedKeyword = "max"

	// cgroup v1 reports this page-aligned MaxInt64 when no limit is set.
	cgroupV1Unlimited = 9223372036854771712
)

// CgroupReader reads the memory limit of the cgroup the process runs in.
type CgroupReader struct {
	root   string
	self   string
	logger *slog.Logger
}

// NewCgroupReader constructs a reader over the cgroup filesystem mounted at root
// (usually /sys/fs/cgroup). selfPath points at /proc/self/cgroup and may be empty.
func NewCgroupReader(root, selfPath string, logger *slog.Logger) *CgroupReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &CgroupReader{
		root:   root,
		self:   selfPath,
		logger: logger.With("cgroup_root", root),
	}
}

// Limit returns the effective memory limit in bytes. ok is false when the
// cgroup imposes no limit or the files are unavailable.
func (r *CgroupReader) Limit() (uint64, bool) {
	if r == nil || r.root == "" {
		return 0, false
	}

	for _, dir := range r.candidateDirs() {
		if value, ok := r.readLimit(filepath.Join(dir, cgroupV2MaxFilename)); ok {
			return value, true
		}
		if value, ok := r.readLimit(filepath.Join(dir, cgroupV1MemorySubdir, cgroupV1LimitFilename)); ok {
			return value, true
		}
		if value, ok := r.readLimit(filepath.Join(dir, cgroupV1LimitFilename)); ok {
			return value, true
		}
	}
	return 0, false
}

// candidateDirs lists the process's own cgroup directory first, then the root.
func (r *CgroupReader) candidateDirs() []string {
	dirs := make([]string, 0, 2)
	if rel := r.selfGroup(); rel != "" && rel != "/" {
		dirs = append(dirs, filepath.Join(r.root, rel))
	}
	return append(dirs, r.root)
}

func (r *CgroupReader) selfGroup() string {
	if r.self == "" {
		return ""
	}
	raw, err := os.ReadFile(r.self)
	if err != nil {
		return ""
	}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		// v2 unified hierarchy lines look like "0::/system.slice/app.service".
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), ":", 3)
		if len(parts) == 3 && parts[0] == "0" && parts[1] == "" {
			return parts[2]
		}
	}
	return ""
}

func (r *CgroupReader) readLimit(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" || valueStr == cgroupUnlimitedKeyword {
		return 0, false
	}
	value, err := parseLimit(valueStr)
	if err != nil {
		r.logger.Debug("failed to parse cgroup memory limit", "path", path, "value", valueStr, "err", err)
		return 0, false
	}
	if value == 0 || value >= cgroupV1Unlimited {
		return 0, false
	}
	return value, true
}

func parseLimit(value string) (uint64, error) {
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse uint: %w", err)
	}
	return parsed, nil
}
