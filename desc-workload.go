package dcnsim

// desc-workload.go holds structs, methods, and readers/writers for the
// serializable workload description (schema version 2).  Serialization
// to json or yaml is selected by file extension, and a well-formed
// document survives a read/write round trip unchanged.

import (
	"encoding/json"
	"os"
	"path"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// the schema version this reader understands
const WorkloadSchemaVersion = 2

// TopoCfg selects and parameterizes the topology
type TopoCfg struct {
	Kind           string `json:"kind" yaml:"kind"`
	HostLinkGbps   int64  `json:"host_link_gbps,omitempty" yaml:"host_link_gbps,omitempty"`
	BottleneckGbps int64  `json:"bottleneck_gbps,omitempty" yaml:"bottleneck_gbps,omitempty"`
	LinkGbps       int64  `json:"link_gbps,omitempty" yaml:"link_gbps,omitempty"`
	LinkLatencyUs  int64  `json:"link_latency_us,omitempty" yaml:"link_latency_us,omitempty"`
	K              int    `json:"k,omitempty" yaml:"k,omitempty"`
	QueuePckts     int    `json:"queue_pkts,omitempty" yaml:"queue_pkts,omitempty"`
	EcnK           int    `json:"ecn_k,omitempty" yaml:"ecn_k,omitempty"`
	Queue          string `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// DefaultsCfg carries run-wide defaults
type DefaultsCfg struct {
	Protocol        string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	BytesPerElement int64  `json:"bytes_per_element,omitempty" yaml:"bytes_per_element,omitempty"`
	Routing         string `json:"routing,omitempty" yaml:"routing,omitempty"`
}

// GpuCfg names the accelerator a host carries, if any
type GpuCfg struct {
	Model string `json:"model" yaml:"model"`
}

// HostCfg describes one workload host and its topology placement
type HostCfg struct {
	ID        int     `json:"id" yaml:"id"`
	Name      string  `json:"name,omitempty" yaml:"name,omitempty"`
	TopoIndex int     `json:"topo_index" yaml:"topo_index"`
	Gpu       *GpuCfg `json:"gpu,omitempty" yaml:"gpu,omitempty"`
}

// StepCfg describes one step of a rank program
type StepCfg struct {
	Kind      string  `json:"kind" yaml:"kind"`
	ComputeMs float64 `json:"compute_ms,omitempty" yaml:"compute_ms,omitempty"`
	Op        string  `json:"op,omitempty" yaml:"op,omitempty"`
	CommBytes int64   `json:"comm_bytes,omitempty" yaml:"comm_bytes,omitempty"`
	Hosts     []int   `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	CommID    string  `json:"comm_id,omitempty" yaml:"comm_id,omitempty"`
	Async     bool    `json:"async,omitempty" yaml:"async,omitempty"`
	Peer      int     `json:"peer,omitempty" yaml:"peer,omitempty"`
	Direction string  `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// RankCfg describes one rank program
type RankCfg struct {
	ID    int       `json:"id" yaml:"id"`
	Steps []StepCfg `json:"steps" yaml:"steps"`
}

// WorkloadCfg is the top-level workload description
type WorkloadCfg struct {
	SchemaVersion int         `json:"schema_version" yaml:"schema_version"`
	Topology      TopoCfg     `json:"topology" yaml:"topology"`
	Defaults      DefaultsCfg `json:"defaults" yaml:"defaults"`
	Hosts         []HostCfg   `json:"hosts" yaml:"hosts"`
	Ranks         []RankCfg   `json:"ranks" yaml:"ranks"`
}

// ReadWorkloadCfg deserializes a byte slice holding a workload
// description.  If dict is empty the named file is read to acquire it
func ReadWorkloadCfg(filename string, useYAML bool, dict []byte) (*WorkloadCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := WorkloadCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	return &example, nil
}

// WriteToFile stores the workload description to the file whose name is
// given, selecting json or yaml by the extension
func (wc *WorkloadCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*wc)
	} else {
		bytes, merr = json.MarshalIndent(*wc, "", "\t")
	}
	if merr != nil {
		return merr
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		return cerr
	}
	if _, werr := f.Write(bytes); werr != nil {
		f.Close()
		return werr
	}
	return f.Close()
}

// step kind strings of the schema
const (
	StepKindCompute        = "compute"
	StepKindCollective     = "collective"
	StepKindSendRecv       = "sendrecv"
	StepKindCollectiveWait = "collective_wait"
)

// Validate checks the document against the schema and topology rules.
// All failures are ConfigErrors surfaced before any simulation runs
func (wc *WorkloadCfg) Validate() error {
	if wc.SchemaVersion != WorkloadSchemaVersion {
		return configErrorf("schema_version %d, want %d", wc.SchemaVersion, WorkloadSchemaVersion)
	}

	switch wc.Topology.Kind {
	case "dumbbell":
	case "fat_tree":
		if wc.Topology.K < 2 || wc.Topology.K%2 != 0 {
			return configErrorf("fat_tree k must be even and >= 2, got %d", wc.Topology.K)
		}
	default:
		return configErrorf("unknown topology kind %q", wc.Topology.Kind)
	}

	if _, err := TransportKindFromStr(wc.Defaults.Protocol); err != nil {
		return err
	}
	switch wc.Defaults.Routing {
	case "", "per_flow", "per_packet":
	default:
		return configErrorf("unknown routing mode %q", wc.Defaults.Routing)
	}

	hostIDs := []int{}
	for _, host := range wc.Hosts {
		if slices.Contains(hostIDs, host.ID) {
			return configErrorf("duplicate host id %d", host.ID)
		}
		hostIDs = append(hostIDs, host.ID)
	}

	rankIDs := []int{}
	for _, rank := range wc.Ranks {
		if slices.Contains(rankIDs, rank.ID) {
			return configErrorf("duplicate rank id %d", rank.ID)
		}
		rankIDs = append(rankIDs, rank.ID)
	}

	for _, rank := range wc.Ranks {
		for idx, step := range rank.Steps {
			switch step.Kind {
			case StepKindCompute:
				if step.ComputeMs < 0 {
					return configErrorf("rank %d step %d: negative compute_ms", rank.ID, idx)
				}
			case StepKindCollective:
				if _, _, err := CollectiveOpFromStr(step.Op); err != nil {
					return err
				}
				if step.CommBytes < 0 {
					return configErrorf("rank %d step %d: negative comm_bytes", rank.ID, idx)
				}
				for _, host := range step.Hosts {
					if !slices.Contains(hostIDs, host) {
						return configErrorf("rank %d step %d: unknown host %d", rank.ID, idx, host)
					}
				}
			case StepKindSendRecv:
				if step.Direction != "send" && step.Direction != "recv" {
					return configErrorf("rank %d step %d: direction %q", rank.ID, idx, step.Direction)
				}
				if !slices.Contains(rankIDs, step.Peer) {
					return configErrorf("rank %d step %d: unknown peer rank %d", rank.ID, idx, step.Peer)
				}
			case StepKindCollectiveWait:
			default:
				return configErrorf("rank %d step %d: unknown step kind %q", rank.ID, idx, step.Kind)
			}
		}
	}
	return nil
}
