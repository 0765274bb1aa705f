package duckgpt

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

const (
	// workflowPromptNode is the CLIPTextEncode node holding the positive prompt
	workflowPromptNode  = "6"
	workflowPromptInput = "text"

	// workflowSeedNode is the SamplerCustom node holding the noise seed
	workflowSeedNode  = "13"
	workflowSeedInput = "noise_seed"
)

//go:embed workflow_api.json
var workflowTemplate []byte

// Workflow is a ComfyUI workflow in API format: a map of node IDs to nodes,
// each with a class_type and a map of inputs.
type Workflow map[string]any

// newWorkflow parses a fresh copy of the template, so no two requests
// share any part of the tree
func newWorkflow(template []byte) (Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(template, &wf); err != nil {
		return nil, fmt.Errorf("invalid workflow template: %w", err)
	}
	return wf, nil
}

// SetInput sets the input of the given node. The node and its inputs
// map must already exist.
func (w Workflow) SetInput(nodeID string, input string, value any) error {
	node, ok := w[nodeID].(map[string]any)
	if !ok {
		return fmt.Errorf("workflow node '%s' not found", nodeID)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return fmt.Errorf("workflow node '%s' has no inputs", nodeID)
	}
	if _, exists := inputs[input]; !exists {
		return fmt.Errorf("workflow node '%s' has no input '%s'", nodeID, input)
	}
	inputs[input] = value
	return nil
}

// Input returns the current value of a node input
func (w Workflow) Input(nodeID string, input string) (any, bool) {
	node, ok := w[nodeID].(map[string]any)
	if !ok {
		return nil, false
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := inputs[input]
	return v, ok
}

// ImageRequest is a workflow ready to be queued, with its prompt and seed set
type ImageRequest struct {
	Prompt   string
	Seed     uint64
	Workflow Workflow
}

// newImageRequest builds a workflow from the template with the given
// prompt and a newly drawn seed
func newImageRequest(template []byte, prompt string) (*ImageRequest, error) {
	wf, err := newWorkflow(template)
	if err != nil {
		return nil, err
	}
	seed := rand.Uint64()
	if err = wf.SetInput(workflowPromptNode, workflowPromptInput, prompt); err != nil {
		return nil, err
	}
	if err = wf.SetInput(workflowSeedNode, workflowSeedInput, seed); err != nil {
		return nil, err
	}
	return &ImageRequest{Prompt: prompt, Seed: seed, Workflow: wf}, nil
}
