package monitor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/myjob-hpc/myjob/internal/models"
	"github.com/myjob-hpc/myjob/internal/remote"
)

var (
	gresField     = regexp.MustCompile(`Gres=(\S+)`)
	gresUsedField = regexp.MustCompile(`GresUsed=(\S+)`)
	idxAnnotation = regexp.MustCompile(`\([^)]*\)`)
)

// Inventory queries cluster-wide node and accelerator occupancy.
type Inventory struct {
	runner remote.Runner
	logger *zap.Logger
}

// NewInventory creates a node inventory over one remote session.
func NewInventory(runner remote.Runner, logger *zap.Logger) *Inventory {
	return &Inventory{runner: runner, logger: logger}
}

// ListNodes returns a snapshot of every node, optionally filtered by
// partition. Base data comes from one tabular query; GPU detail comes
// from per-node queries issued concurrently (the session serializes the
// wire) and merged by node name. A failed detail query degrades that
// single node to no GPU data, never the whole inventory.
func (inv *Inventory) ListNodes(ctx context.Context, partition string) ([]models.NodeSnapshot, error) {
	cmd := `sinfo -N -h -o "%N|%P|%T|%C|%m"`
	if partition != "" {
		cmd += fmt.Sprintf(" -p %s", partition)
	}
	result, err := inv.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		return nil, fmt.Errorf("sinfo exited with %d: %s", result.ExitCode, result.Stderr)
	}

	var nodes []models.NodeSnapshot
	seen := map[string]bool{}
	for _, line := range strings.Split(result.Stdout, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		if len(parts) < 5 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		// Nodes in several partitions appear once per partition.
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		used, total := parseCPUState(parts[3])
		nodes = append(nodes, models.NodeSnapshot{
			Name:        name,
			Partition:   strings.TrimSuffix(strings.TrimSpace(parts[1]), "*"),
			State:       strings.TrimSpace(parts[2]),
			CPUsUsed:    used,
			CPUsTotal:   total,
			MemoryTotal: formatMemoryMB(strings.TrimSpace(parts[4])),
		})
	}

	var wg sync.WaitGroup
	for i := range nodes {
		wg.Add(1)
		go func(n *models.NodeSnapshot) {
			defer wg.Done()
			n.GPU = inv.gpuDetail(ctx, n.Name)
		}(&nodes[i])
	}
	wg.Wait()

	return nodes, nil
}

// gpuDetail runs the per-node detail probe and scans its free-text
// Key=Value output for the generic-resource fields. Any failure yields
// nil: no GPU data for that node.
func (inv *Inventory) gpuDetail(ctx context.Context, nodeName string) *models.GpuSnapshot {
	result, err := inv.runner.Run(ctx, fmt.Sprintf("scontrol show node %s", nodeName))
	if err != nil || !result.Ok() {
		if err != nil {
			inv.logger.Debug("node detail query failed", zap.String("node", nodeName), zap.Error(err))
		}
		return nil
	}

	gres := matchField(gresField, result.Stdout)
	if gres == "" || gres == "(null)" {
		return nil
	}
	gpuType, total := ParseGres(gres)
	if total == 0 {
		return nil
	}

	_, used := ParseGres(matchField(gresUsedField, result.Stdout))
	return &models.GpuSnapshot{
		Type:  gpuType,
		Total: total,
		Used:  used,
		Free:  total - used,
	}
}

// ParseGres parses a generic-resource spec of the shape gpu:<type>:<count>
// or gpu:<count>, with any parenthesized index annotation stripped first.
// It is total: unparseable input yields ("unknown", 0).
func ParseGres(gres string) (gpuType string, count int) {
	s := idxAnnotation.ReplaceAllString(strings.TrimSpace(gres), "")
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 3 && parts[0] == "gpu":
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return "unknown", 0
		}
		return parts[1], n
	case len(parts) == 2 && parts[0] == "gpu":
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return "unknown", 0
		}
		return "gpu", n
	default:
		return "unknown", 0
	}
}

// parseCPUState parses sinfo's allocated/idle/other/total CPU field.
func parseCPUState(state string) (used, total int) {
	parts := strings.Split(strings.TrimSpace(state), "/")
	if len(parts) == 4 {
		used, _ = strconv.Atoi(parts[0])
		total, _ = strconv.Atoi(parts[3])
		return used, total
	}
	if len(parts) == 2 {
		used, _ = strconv.Atoi(parts[0])
		total, _ = strconv.Atoi(parts[1])
		return used, total
	}
	return 0, 0
}

// formatMemoryMB renders sinfo's megabyte memory column human-readable.
func formatMemoryMB(mem string) string {
	mb, err := strconv.Atoi(mem)
	if err != nil {
		return mem
	}
	if mb >= 1024 {
		return fmt.Sprintf("%dG", mb/1024)
	}
	return fmt.Sprintf("%dM", mb)
}

func matchField(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
