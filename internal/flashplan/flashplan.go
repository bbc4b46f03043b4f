// Package flashplan reads rawprogram*.xml and patch*.xml flashing-plan
// documents into a single sortable list of FlashTasks, the way a
// provisioning run assembles its work order before ever touching a DA
// client. Unlike the DA wire dialect these are well-formed documents, so
// encoding/xml decodes them directly.
package flashplan

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	maxWalkDepth = 5
	maxPlanFiles = 10000

	sparseHeaderMagic = 0xED26FF3A
	defaultSectorSize = 4096
)

// TaskType is the kind of on-device operation a FlashTask represents.
type TaskType int

const (
	TaskProgram TaskType = iota
	TaskPatch
	TaskErase
	TaskZeroout
)

// FlashTask is one consolidated unit of flashing work.
type FlashTask struct {
	Label            string
	Filename         string
	LUN              int
	StartSector      int64
	NumSectors       uint64
	SectorSize       uint32
	FileSectorOffset uint64
	IsSparse         bool
	ReadBackVerify   bool
	TaskType         TaskType
	Priority         int
}

// EnumerateFiles walks root (depth <= 5, at most maxPlanFiles results)
// collecting rawprogram*.xml and patch*.xml files.
func EnumerateFiles(root string) ([]string, error) {
	rootDepth := strings.Count(filepath.Clean(root), string(os.PathSeparator))
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if len(out) >= maxPlanFiles {
			return filepath.SkipAll
		}
		if d.IsDir() {
			depth := strings.Count(filepath.Clean(path), string(os.PathSeparator)) - rootDepth
			if depth > maxWalkDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesPlanFilename(d.Name()) {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func matchesPlanFilename(name string) bool {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".xml") {
		return false
	}
	return strings.HasPrefix(lower, "rawprogram") || strings.HasPrefix(lower, "patch")
}

type programEntry struct {
	SectorSizeInBytes      string `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	FileSectorOffset       string `xml:"file_sector_offset,attr"`
	Filename               string `xml:"filename,attr"`
	Label                  string `xml:"label,attr"`
	NumPartitionSectors    string `xml:"num_partition_sectors,attr"`
	PhysicalPartitionNumber string `xml:"physical_partition_number,attr"`
	SizeInKB               string `xml:"size_in_KB,attr"`
	StartSector            string `xml:"start_sector,attr"`
	Sparse                 string `xml:"sparse,attr"`
	ReadBackVerify         string `xml:"read_back_verify,attr"`
}

type patchEntry struct {
	SectorSizeInBytes       string `xml:"SECTOR_SIZE_IN_BYTES,attr"`
	Filename                string `xml:"filename,attr"`
	PhysicalPartitionNumber string `xml:"physical_partition_number,attr"`
	SizeInBytes             string `xml:"size_in_bytes,attr"`
	StartSector             string `xml:"start_sector,attr"`
	What                    string `xml:"what,attr"`
}

// FileSectorFallback resolves filename's on-disk (sparse-aware) size into
// a sector count, the last resort when num_sectors is zero.
type FileSectorFallback func(filename string, sectorSize uint32) (uint64, error)

// ParseRawprogram decodes every <program> element of data into a
// FlashTask, applying the attribute normalizations and the num_sectors
// fallback chain. fallback may be nil.
func ParseRawprogram(data []byte, fallback FileSectorFallback) ([]FlashTask, error) {
	var doc struct {
		Programs []programEntry `xml:"program"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("flashplan: parsing rawprogram xml: %w", err)
	}

	var tasks []FlashTask
	for _, p := range doc.Programs {
		if strings.HasPrefix(p.Filename, "0:") {
			continue
		}
		tasks = append(tasks, buildProgramTask(p, fallback))
	}
	return tasks, nil
}

func buildProgramTask(p programEntry, fallback FileSectorFallback) FlashTask {
	sectorSize := uint32(defaultSectorSize)
	if v, err := parseNumericAttr(p.SectorSizeInBytes); err == nil && v > 0 {
		sectorSize = uint32(v)
	}
	startSector, _ := parseNumericAttr(p.StartSector)
	lun, _ := parseNumericAttr(p.PhysicalPartitionNumber)
	fileOffset, _ := parseNumericAttr(p.FileSectorOffset)

	var numSectors uint64
	if v, err := parseNumericAttr(p.NumPartitionSectors); err == nil && v > 0 {
		numSectors = uint64(v)
	}
	if numSectors == 0 {
		if v, err := parseNumericAttr(p.SizeInKB); err == nil && v > 0 {
			numSectors = uint64(v) * 1024 / uint64(sectorSize)
		}
	}
	if numSectors == 0 && fallback != nil && p.Filename != "" {
		if v, err := fallback(p.Filename, sectorSize); err == nil && v > 0 {
			numSectors = v
		}
	}
	if numSectors == 0 && strings.EqualFold(p.Label, "PrimaryGPT") && startSector == 0 {
		numSectors = 6
	}

	taskType := TaskProgram
	if p.Filename == "" {
		taskType = TaskErase
	}

	task := FlashTask{
		Label:            p.Label,
		Filename:         p.Filename,
		LUN:              int(lun),
		StartSector:      startSector,
		NumSectors:       numSectors,
		SectorSize:       sectorSize,
		FileSectorOffset: uint64(fileOffset),
		IsSparse:         strings.EqualFold(p.Sparse, "true") || p.Sparse == "1",
		ReadBackVerify:   strings.EqualFold(p.ReadBackVerify, "true") || p.ReadBackVerify == "1",
		TaskType:         taskType,
	}
	task.Priority = priorityFor(task.Label)
	return task
}

// ParsePatch decodes every <patch> element of data into a FlashTask.
func ParsePatch(data []byte) ([]FlashTask, error) {
	var doc struct {
		Patches []patchEntry `xml:"patch"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("flashplan: parsing patch xml: %w", err)
	}

	var tasks []FlashTask
	for _, p := range doc.Patches {
		if strings.HasPrefix(p.Filename, "0:") {
			continue
		}
		sectorSize := uint32(defaultSectorSize)
		if v, err := parseNumericAttr(p.SectorSizeInBytes); err == nil && v > 0 {
			sectorSize = uint32(v)
		}
		startSector, _ := parseNumericAttr(p.StartSector)
		lun, _ := parseNumericAttr(p.PhysicalPartitionNumber)
		sizeBytes, _ := parseNumericAttr(p.SizeInBytes)

		var numSectors uint64
		if sizeBytes > 0 {
			numSectors = uint64(sizeBytes) / uint64(sectorSize)
		}

		label := p.What
		if label == "" {
			label = p.Filename
		}
		task := FlashTask{
			Label:       label,
			Filename:    p.Filename,
			LUN:         int(lun),
			StartSector: startSector,
			NumSectors:  numSectors,
			SectorSize:  sectorSize,
			TaskType:    TaskPatch,
		}
		task.Priority = priorityFor(task.Label)
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// parseNumericAttr normalizes the attribute grammar these documents use:
// a NUM_DISK_SECTORS-N value becomes -N, 0x-prefixed values decode as
// hex, a trailing "." is stripped, and plain decimals (including the
// occasional "3.0"-style float from size_in_KB) parse as integers.
func parseNumericAttr(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "NUM_DISK_SECTORS-") {
		n, err := strconv.ParseInt(strings.TrimPrefix(s, "NUM_DISK_SECTORS-"), 10, 64)
		if err != nil {
			return 0, err
		}
		return -n, nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// priorityFor ranks GPT tasks first, then bootloaders, then the rest.
func priorityFor(label string) int {
	lower := strings.ToLower(label)
	switch {
	case lower == "primarygpt" || strings.HasPrefix(lower, "gpt_main"):
		return 1
	case lower == "backupgpt" || strings.HasPrefix(lower, "gpt_backup"):
		return 2
	case strings.HasPrefix(lower, "xbl") || strings.HasPrefix(lower, "abl"):
		return 10
	default:
		return 100
	}
}

// ResolveStartSectors rewrites negative start sectors (the encoded form
// of NUM_DISK_SECTORS-N values) against the device's actual capacity in
// sectors, producing an executable plan.
func ResolveStartSectors(tasks []FlashTask, numDiskSectors uint64) {
	for i := range tasks {
		if tasks[i].StartSector < 0 {
			tasks[i].StartSector += int64(numDiskSectors)
		}
	}
}

// SortTasks orders tasks by (priority, lun, start_sector), GPT tasks first.
func SortTasks(tasks []FlashTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.LUN != b.LUN {
			return a.LUN < b.LUN
		}
		return a.StartSector < b.StartSector
	})
}

// SparseAwareSize returns an Android sparse image's logical size when path
// carries a sparse header, else its plain on-disk size.
func SparseAwareSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var hdr [28]byte
	n, err := io.ReadFull(f, hdr[:])
	if err == nil && n == len(hdr) && binary.LittleEndian.Uint32(hdr[0:4]) == sparseHeaderMagic {
		totalBlocks := binary.LittleEndian.Uint32(hdr[20:24])
		blockSize := binary.LittleEndian.Uint32(hdr[24:28])
		return int64(totalBlocks) * int64(blockSize), nil
	}

	info, statErr := os.Stat(path)
	if statErr != nil {
		return 0, statErr
	}
	return info.Size(), nil
}

// buildFileCache maps basenames to paths beneath root (same depth and
// file-count bounds as EnumerateFiles), backing the last step of relative
// filename resolution. The first path wins on duplicate basenames.
func buildFileCache(root string) map[string]string {
	cache := make(map[string]string)
	rootDepth := strings.Count(filepath.Clean(root), string(os.PathSeparator))
	count := 0
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if count >= maxPlanFiles {
			return filepath.SkipAll
		}
		if d.IsDir() {
			depth := strings.Count(filepath.Clean(path), string(os.PathSeparator)) - rootDepth
			if depth > maxWalkDepth {
				return filepath.SkipDir
			}
			return nil
		}
		count++
		if _, ok := cache[d.Name()]; !ok {
			cache[d.Name()] = path
		}
		return nil
	})
	return cache
}

// resolvePlanFile resolves a relative payload filename against the XML's
// own directory, then the package root, then the basename cache.
func resolvePlanFile(dir, root string, cache map[string]string, filename string) (string, error) {
	for _, candidate := range []string{filepath.Join(dir, filename), filepath.Join(root, filename)} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, ok := cache[filepath.Base(filename)]; ok {
		return path, nil
	}
	return "", fmt.Errorf("flashplan: %s not found under %s", filename, root)
}

// BuildPlan enumerates every rawprogram*.xml/patch*.xml file beneath root,
// parses each, resolves missing sector counts against payload files on
// disk, and returns the fully sorted task list.
func BuildPlan(root string) ([]FlashTask, error) {
	files, err := EnumerateFiles(root)
	if err != nil {
		return nil, err
	}
	fileCache := buildFileCache(root)

	var all []FlashTask
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		dir := filepath.Dir(f)
		name := strings.ToLower(filepath.Base(f))

		var tasks []FlashTask
		if strings.HasPrefix(name, "rawprogram") {
			tasks, err = ParseRawprogram(data, func(filename string, sectorSize uint32) (uint64, error) {
				path, err := resolvePlanFile(dir, root, fileCache, filename)
				if err != nil {
					return 0, err
				}
				size, err := SparseAwareSize(path)
				if err != nil {
					return 0, err
				}
				return uint64(size) / uint64(sectorSize), nil
			})
		} else {
			tasks, err = ParsePatch(data)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}

	SortTasks(all)
	return all, nil
}
