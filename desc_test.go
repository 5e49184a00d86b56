package dcnsim

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleWorkloadJSON = `{
	"schema_version": 2,
	"topology": {
		"kind": "fat_tree",
		"k": 4,
		"link_gbps": 100,
		"link_latency_us": 2
	},
	"defaults": {
		"protocol": "dctcp",
		"bytes_per_element": 4,
		"routing": "per_flow"
	},
	"hosts": [
		{"id": 0, "name": "h0", "topo_index": 0, "gpu": {"model": "A100"}},
		{"id": 1, "name": "h1", "topo_index": 1},
		{"id": 2, "name": "h2", "topo_index": 2},
		{"id": 3, "name": "h3", "topo_index": 3}
	],
	"ranks": [
		{"id": 0, "steps": [
			{"kind": "compute", "compute_ms": 2.5},
			{"kind": "collective", "op": "allreduce", "comm_bytes": 1048576,
			 "hosts": [0, 1, 2, 3], "comm_id": "ar0", "async": true},
			{"kind": "collective_wait", "comm_id": "ar0"}
		]},
		{"id": 1, "steps": [
			{"kind": "collective", "op": "allreduce", "comm_bytes": 1048576,
			 "hosts": [0, 1, 2, 3], "comm_id": "ar0", "async": true},
			{"kind": "collective_wait", "comm_id": "ar0"},
			{"kind": "sendrecv", "comm_bytes": 4096, "peer": 2, "direction": "send"}
		]},
		{"id": 2, "steps": [
			{"kind": "collective", "op": "allreduce", "comm_bytes": 1048576,
			 "hosts": [0, 1, 2, 3], "comm_id": "ar0", "async": true},
			{"kind": "collective_wait", "comm_id": "ar0"},
			{"kind": "sendrecv", "comm_bytes": 4096, "peer": 1, "direction": "recv"}
		]},
		{"id": 3, "steps": [
			{"kind": "collective", "op": "allreduce", "comm_bytes": 1048576,
			 "hosts": [0, 1, 2, 3], "comm_id": "ar0", "async": true},
			{"kind": "collective_wait", "comm_id": "ar0"}
		]}
	]
}`

func TestWorkloadJSONRoundTrip(t *testing.T) {
	wc, err := ReadWorkloadCfg("", false, []byte(sampleWorkloadJSON))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := wc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	out, err := json.Marshal(wc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ReadWorkloadCfg("", false, out)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if diff := cmp.Diff(wc, again); diff != "" {
		t.Fatalf("round trip changed the document (-first +second):\n%s", diff)
	}
}

func TestWorkloadFileRoundTripBothFormats(t *testing.T) {
	wc, err := ReadWorkloadCfg("", false, []byte(sampleWorkloadJSON))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	dir := t.TempDir()
	for _, name := range []string{"workload.json", "workload.yaml"} {
		filename := filepath.Join(dir, name)
		if err := wc.WriteToFile(filename); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		useYAML := filepath.Ext(name) == ".yaml"
		again, err := ReadWorkloadCfg(filename, useYAML, nil)
		if err != nil {
			t.Fatalf("read back %s: %v", name, err)
		}
		if diff := cmp.Diff(wc, again); diff != "" {
			t.Fatalf("%s round trip changed the document:\n%s", name, diff)
		}
	}
}

func TestWorkloadValidation(t *testing.T) {
	base := func() *WorkloadCfg {
		wc, err := ReadWorkloadCfg("", false, []byte(sampleWorkloadJSON))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return wc
	}

	cases := []struct {
		name  string
		wreck func(wc *WorkloadCfg)
	}{
		{"wrong schema version", func(wc *WorkloadCfg) { wc.SchemaVersion = 1 }},
		{"unknown topology", func(wc *WorkloadCfg) { wc.Topology.Kind = "torus" }},
		{"odd fat-tree k", func(wc *WorkloadCfg) { wc.Topology.K = 5 }},
		{"unknown protocol", func(wc *WorkloadCfg) { wc.Defaults.Protocol = "quic" }},
		{"unknown routing", func(wc *WorkloadCfg) { wc.Defaults.Routing = "spray" }},
		{"duplicate host id", func(wc *WorkloadCfg) { wc.Hosts[1].ID = 0 }},
		{"unknown collective op", func(wc *WorkloadCfg) { wc.Ranks[0].Steps[1].Op = "mystery" }},
		{"bad sendrecv direction", func(wc *WorkloadCfg) { wc.Ranks[1].Steps[2].Direction = "both" }},
		{"unknown peer", func(wc *WorkloadCfg) { wc.Ranks[1].Steps[2].Peer = 99 }},
		{"unknown step kind", func(wc *WorkloadCfg) { wc.Ranks[0].Steps[0].Kind = "sleep" }},
		{"collective names unknown host", func(wc *WorkloadCfg) {
			wc.Ranks[0].Steps[1].Hosts = []int{0, 42}
		}},
	}
	for _, c := range cases {
		wc := base()
		c.wreck(wc)
		if err := wc.Validate(); err == nil {
			t.Errorf("%s: validation passed, want ConfigError", c.name)
		}
	}
}

func TestBuildExperimentFromWorkload(t *testing.T) {
	wc, err := ReadWorkloadCfg("", false, []byte(sampleWorkloadJSON))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ex, err := BuildExperiment(wc, CreateVizManager("e2e", true))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := ex.RunToCompletion(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ex.Driver.AllDone() {
		t.Fatal("ranks did not finish")
	}
	if len(ex.Net.Stats.Collectives) != 2 {
		t.Fatalf("collectives %d, want the allreduce and the sendrecv", len(ex.Net.Stats.Collectives))
	}
	// first record of the stream is the topology meta
	if len(ex.Viz.Events) == 0 || ex.Viz.Events[0].Kind != VizMeta {
		t.Fatal("viz stream does not lead with a meta record")
	}
	meta := ex.Viz.Events[0].Meta
	if meta == nil || len(meta.Nodes) != 36 {
		t.Fatalf("meta nodes %v, want the 16 hosts + 20 switches of k=4", meta)
	}
}

func TestRerunProducesIdenticalEventStream(t *testing.T) {
	run := func() []VizRecord {
		wc, err := ReadWorkloadCfg("", false, []byte(sampleWorkloadJSON))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		ex, err := BuildExperiment(wc, CreateVizManager("det", true))
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := ex.RunToCompletion(); err != nil {
			t.Fatalf("run: %v", err)
		}
		return ex.Viz.Events
	}

	first := run()
	second := run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("reruns diverged:\n%s", diff)
	}
}
