package agents

import (
	"net/http"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/workflow"
	"github.com/gin-gonic/gin"
)

// Server exposes one workflow over the agent protocol: GET /health,
// GET /schema, POST /run. An agent process pairs this with periodic
// heartbeats to the orchestrator's registry.
type Server struct {
	decl   *workflow.Declaration
	engine *graph.Engine
	schema *SchemaDoc
}

// NewServer builds the engine for the declaration and derives the schema
// document once.
func NewServer(decl *workflow.Declaration, opts ...graph.Option) (*Server, error) {
	engine, err := graph.New(decl, opts...)
	if err != nil {
		return nil, err
	}
	return &Server{decl: decl, engine: engine, schema: deriveSchema(decl)}, nil
}

// Router returns the agent protocol's HTTP routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/schema", s.handleSchema)
	router.POST("/run", s.handleRun)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workflow": s.decl.Flow.Name})
}

func (s *Server) handleSchema(c *gin.Context) {
	c.JSON(http.StatusOK, s.schema)
}

func (s *Server) handleRun(c *gin.Context) {
	var body struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	record, err := s.engine.Execute(c.Request.Context(), body.Inputs)
	result := RunResult{}
	if record != nil {
		result.RunID = record.RunID
		result.Status = string(record.Status)
		result.Outputs = record.Outputs
		result.DurationSeconds = record.DurationSeconds
		result.CostUSD = record.CostUSD
		result.Error = record.Error
	}
	if err != nil {
		if result.Error == "" {
			result.Error = err.Error()
		}
		if result.Status == "" {
			result.Status = "failed"
		}
	}
	c.JSON(http.StatusOK, result)
}

// deriveSchema computes the expected-inputs descriptor: state fields no node
// produces are inputs; every node output is an output.
func deriveSchema(decl *workflow.Declaration) *SchemaDoc {
	produced := map[string]bool{}
	var outputs []string
	for _, node := range decl.Nodes {
		for _, name := range node.Outputs {
			if !produced[name] {
				produced[name] = true
				outputs = append(outputs, name)
			}
		}
	}

	inputs := map[string]InputField{}
	for name, field := range decl.State.Fields {
		if produced[name] {
			continue
		}
		inputs[name] = InputField{
			Type:        field.TypeSource,
			Description: field.Description,
			Required:    field.Required,
		}
	}
	return &SchemaDoc{
		Workflow: decl.Flow.Name,
		Inputs:   inputs,
		Outputs:  outputs,
	}
}
