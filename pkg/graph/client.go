package graph

import (
	"fmt"

	aiclient "github.com/lishiyo/digital-twin-mem0-sub000/pkg/ai"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/common"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/memory"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/profile"
	"github.com/lishiyo/digital-twin-mem0-sub000/pkg/store"
)

// PipelineClient runs text units through extraction, filtering, graph
// writes, trait merging and the raw memory tier.
//
// A PipelineClient should be created using NewPipelineClient.
type PipelineClient struct {
	provider aiclient.ExtractionAIClient
	storage  pipelineStorage
	writer   *Writer
	merger   *profile.Merger
	memory   *memory.Manager
	cfg      common.PipelineConfig
}

// pipelineStorage is the slice of the store the orchestrator touches
// directly; node and edge writes go through the Writer.
type pipelineStorage interface {
	store.UnitStorage
	store.GraphStorage
}

// NewPipelineClientParams defines the configuration for creating a new
// PipelineClient. Provider, Storage, Merger and Memory are required;
// Config falls back to the defaults when zero.
type NewPipelineClientParams struct {
	Provider aiclient.ExtractionAIClient
	Storage  store.Storage
	Merger   *profile.Merger
	Memory   *memory.Manager
	Config   common.PipelineConfig
}

// NewPipelineClient creates and returns a new PipelineClient configured
// with the provided parameters.
//
// Example:
//
//	client, err := graph.NewPipelineClient(graph.NewPipelineClientParams{
//		Provider: aiClient,
//		Storage:  storage,
//		Merger:   merger,
//		Memory:   memoryManager,
//		Config:   common.DefaultPipelineConfig(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewPipelineClient(params NewPipelineClientParams) (*PipelineClient, error) {
	if params.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if params.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if params.Merger == nil {
		return nil, fmt.Errorf("merger is required")
	}
	if params.Memory == nil {
		return nil, fmt.Errorf("memory manager is required")
	}

	cfg := params.Config
	if cfg.MaxEntitiesPerUnit == 0 && cfg.MinEntityConfidence == 0 {
		cfg = common.DefaultPipelineConfig()
	}

	return &PipelineClient{
		provider: params.Provider,
		storage:  params.Storage,
		writer:   NewWriter(params.Storage, cfg),
		merger:   params.Merger,
		memory:   params.Memory,
		cfg:      cfg,
	}, nil
}
