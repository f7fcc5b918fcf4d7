package main

import (
	"fmt"
	"net/http"
	"sort"

	"voxelstack.ai/internal/persistence/regionstore"
	"voxelstack.ai/internal/stack/engine"
	"voxelstack.ai/internal/transport/observer"
)

func metricsHandler(worldID string, eng *engine.Engine, store *regionstore.Store, idx runtimeIndex, obs *observer.Server, mirror *mirrorRuntime) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := eng.Metrics()
		tick := eng.CurrentTick()
		if m.Tick != 0 {
			tick = m.Tick
		}

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP voxelstack_tick Current engine tick.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_tick gauge\n")
		fmt.Fprintf(rw, "voxelstack_tick{world=%q} %d\n", worldID, tick)

		fmt.Fprintf(rw, "# HELP voxelstack_step_ms Last tick step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_step_ms gauge\n")
		fmt.Fprintf(rw, "voxelstack_step_ms{world=%q} %.3f\n", worldID, m.StepMillis)

		kinds := make([]string, 0, len(m.Kinds))
		for k := range m.Kinds {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Fprintf(rw, "# HELP voxelstack_stacks Registered stacks per kind.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_stacks gauge\n")
		for _, k := range kinds {
			fmt.Fprintf(rw, "voxelstack_stacks{world=%q,kind=%q} %d\n", worldID, k, m.Kinds[k].Stacks)
		}
		fmt.Fprintf(rw, "# HELP voxelstack_stacked_objects Objects represented by stacks (hosts plus members).\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_stacked_objects gauge\n")
		for _, k := range kinds {
			fmt.Fprintf(rw, "voxelstack_stacked_objects{world=%q,kind=%q} %d\n", worldID, k, m.Kinds[k].Objects)
		}

		fmt.Fprintf(rw, "# HELP voxelstack_spawners Managed spawner sources.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_spawners gauge\n")
		fmt.Fprintf(rw, "voxelstack_spawners{world=%q} %d\n", worldID, m.Spawners)

		fmt.Fprintf(rw, "# HELP voxelstack_merged_total Objects absorbed into stacks.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_merged_total counter\n")
		fmt.Fprintf(rw, "voxelstack_merged_total{world=%q} %d\n", worldID, m.Merged)

		fmt.Fprintf(rw, "# HELP voxelstack_spawn_attempts_total Spawner attempts made.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_spawn_attempts_total counter\n")
		fmt.Fprintf(rw, "voxelstack_spawn_attempts_total{world=%q} %d\n", worldID, m.SpawnAttempts)
		fmt.Fprintf(rw, "voxelstack_spawned_total{world=%q} %d\n", worldID, m.Spawned)

		fmt.Fprintf(rw, "# HELP voxelstack_events_total Stack events emitted.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_events_total counter\n")
		fmt.Fprintf(rw, "voxelstack_events_total{world=%q} %d\n", worldID, m.Events)

		fmt.Fprintf(rw, "# HELP voxelstack_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE voxelstack_queue_depth gauge\n")
		fmt.Fprintf(rw, "voxelstack_queue_depth{world=%q,queue=%q} %d\n", worldID, "requests", m.RequestQueue)
		fmt.Fprintf(rw, "voxelstack_queue_depth{world=%q,queue=%q} %d\n", worldID, "reports", m.ReportQueue)

		if store != nil {
			st := store.Stats()
			fmt.Fprintf(rw, "# HELP voxelstack_regionstore Region store writer counters.\n")
			fmt.Fprintf(rw, "# TYPE voxelstack_regionstore gauge\n")
			fmt.Fprintf(rw, "voxelstack_regionstore{world=%q,metric=%q} %d\n", worldID, "pending", st.Pending)
			fmt.Fprintf(rw, "voxelstack_regionstore{world=%q,metric=%q} %d\n", worldID, "writes", st.Writes)
			fmt.Fprintf(rw, "voxelstack_regionstore{world=%q,metric=%q} %d\n", worldID, "failures", st.Failures)
			fmt.Fprintf(rw, "voxelstack_regionstore{world=%q,metric=%q} %d\n", worldID, "saved_total", m.RegionsSaved)
		}

		if idx != nil {
			st := idx.Stats()
			fmt.Fprintf(rw, "# HELP voxelstack_index Index backend queue counters.\n")
			fmt.Fprintf(rw, "# TYPE voxelstack_index gauge\n")
			fmt.Fprintf(rw, "voxelstack_index{world=%q,metric=%q} %d\n", worldID, "queue_depth", st.QueueDepth)
			fmt.Fprintf(rw, "voxelstack_index{world=%q,metric=%q} %d\n", worldID, "queue_capacity", st.QueueCapacity)
			fmt.Fprintf(rw, "voxelstack_index{world=%q,metric=%q} %d\n", worldID, "dropped_total", st.DropEventTotal)
			fmt.Fprintf(rw, "voxelstack_index{world=%q,metric=%q} %d\n", worldID, "flush_fail_total", st.FlushFailTotal)
		}

		if obs != nil {
			st := obs.Stats()
			fmt.Fprintf(rw, "# HELP voxelstack_observers Connected observer sessions.\n")
			fmt.Fprintf(rw, "# TYPE voxelstack_observers gauge\n")
			fmt.Fprintf(rw, "voxelstack_observers{world=%q} %d\n", worldID, st.Sessions)
			fmt.Fprintf(rw, "voxelstack_observer_dropped_total{world=%q} %d\n", worldID, st.DroppedTotal)
		}

		if mirror.enabled() {
			st := mirror.Stats()
			fmt.Fprintf(rw, "# HELP voxelstack_mirror Offsite mirror upload counters.\n")
			fmt.Fprintf(rw, "# TYPE voxelstack_mirror gauge\n")
			fmt.Fprintf(rw, "voxelstack_mirror{world=%q,metric=%q} %d\n", worldID, "queue_depth", st.QueueDepth)
			fmt.Fprintf(rw, "voxelstack_mirror{world=%q,metric=%q} %d\n", worldID, "coalesced_total", st.CoalescedTotal)
			fmt.Fprintf(rw, "voxelstack_mirror{world=%q,metric=%q} %d\n", worldID, "dropped_total", st.DroppedTotal)
			fmt.Fprintf(rw, "voxelstack_mirror{world=%q,metric=%q} %d\n", worldID, "upload_success_total", st.UploadSuccessTotal)
			fmt.Fprintf(rw, "voxelstack_mirror{world=%q,metric=%q} %d\n", worldID, "upload_fail_total", st.UploadFailTotal)
			fmt.Fprintf(rw, "voxelstack_mirror{world=%q,metric=%q} %d\n", worldID, "last_success_unix", st.LastSuccessUnix)
		}
	}
}
