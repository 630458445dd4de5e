// Package partition splits a global training task into schedulable units.
// Partitioning is a pure function of the task descriptor, so re-running it
// after a crash reproduces identical unit ids and boundaries and no
// half-assigned work is orphaned.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"training-orchestrator/logging"
	"training-orchestrator/types"
)

// Partition expands a task descriptor into work units: one unit per
// (data chunk, model partition) pair covering StepsPerUnit steps. A data
// size that does not divide evenly yields a final smaller remainder unit.
func Partition(task types.TaskDescriptor, now time.Time) ([]types.WorkUnit, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if task.DataSize == 0 || task.UnitDataSize == 0 {
		return nil, fmt.Errorf("task %s: data_size and unit_data_size must be greater than 0", task.ID)
	}
	if task.ModelPartitions == 0 {
		return nil, fmt.Errorf("task %s: model_partitions must be greater than 0", task.ID)
	}
	if task.StepsPerUnit == 0 {
		return nil, fmt.Errorf("task %s: steps_per_unit must be greater than 0", task.ID)
	}

	unitType := task.UnitType
	if unitType == "" {
		unitType = types.UnitTypeQuorum
	}

	chunks := task.DataSize / task.UnitDataSize
	remainder := task.DataSize % task.UnitDataSize
	total := chunks
	if remainder > 0 {
		total++
	}

	// Every chunk must carry at least one step, or its data range could
	// never be trained and would be silently lost.
	if task.TotalSteps > 0 {
		if needed := (total - 1) * task.StepsPerUnit; task.TotalSteps <= needed {
			return nil, fmt.Errorf("task %s: total_steps %d leaves no steps for the final data chunk (needs more than %d)",
				task.ID, task.TotalSteps, needed)
		}
	}

	units := make([]types.WorkUnit, 0, total*uint64(task.ModelPartitions))
	index := 0
	for chunk := uint64(0); chunk < total; chunk++ {
		dataStart := chunk * task.UnitDataSize
		dataEnd := dataStart + task.UnitDataSize
		if dataEnd > task.DataSize {
			dataEnd = task.DataSize
		}

		stepStart := chunk * task.StepsPerUnit
		stepEnd := stepStart + task.StepsPerUnit
		if task.TotalSteps > 0 && stepEnd > task.TotalSteps {
			stepEnd = task.TotalSteps
		}

		for part := uint32(0); part < task.ModelPartitions; part++ {
			shard := types.ShardDescriptor{
				DataStart:      dataStart,
				DataEnd:        dataEnd,
				ModelPartition: part,
				StepStart:      stepStart,
				StepEnd:        stepEnd,
			}
			units = append(units, types.WorkUnit{
				ID:        unitID(task.ID, index),
				TaskID:    task.ID,
				Type:      unitType,
				Shard:     shard,
				State:     types.UnitStatePending,
				CreatedAt: now,
				UpdatedAt: now,
			})
			index++
		}
	}

	logging.Info("Task partitioned", types.Partitioning,
		"task_id", task.ID, "units", len(units), "remainder", remainder > 0)
	return units, nil
}

// unitID derives a stable id from the task id and unit ordinal. Content
// addressing keeps ids identical across re-partitioning.
func unitID(taskID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", taskID, index)))
	return hex.EncodeToString(sum[:16])
}
