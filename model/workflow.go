package model

import (
	"path"
	"strings"
	"time"
)

// Gallery media types
const (
	MediaTypeImage = "image"
	MediaTypeAudio = "audio"
	MediaTypeVideo = "video"
)

// Workflow is a saved workflow graph owned by a user.
type Workflow struct {
	ID         int64              `json:"id"`
	UserID     int64              `json:"user_id"`
	Name       string             `json:"name"`
	Definition WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time          `json:"created_at"`
}

// WorkflowDefinition is the node/connection graph of a workflow.
type WorkflowDefinition struct {
	Nodes       []WorkflowNode `json:"nodes"`
	Connections []Connection   `json:"connections"`
}

type WorkflowNode struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Connection links an output port of one node to an input port of another.
// The editor writes either the port or the handle field.
type Connection struct {
	Source       string `json:"source"`
	SourcePort   string `json:"sourcePort,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetPort   string `json:"targetPort,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// SourceOutput returns the output port id on the source node.
func (c Connection) SourceOutput() string {
	if c.SourcePort != "" {
		return c.SourcePort
	}
	return c.SourceHandle
}

// TargetInput returns the input port id on the target node.
func (c Connection) TargetInput() string {
	if c.TargetPort != "" {
		return c.TargetPort
	}
	return c.TargetHandle
}

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (WorkflowNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// GalleryEntry records one produced artifact of an execution iteration.
type GalleryEntry struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	ExecutionID int64     `json:"execution_id"`
	WorkflowID  int64     `json:"workflow_id"`
	Iteration   int       `json:"iteration"`
	URL         string    `json:"url"`
	MediaType   string    `json:"media_type"`
	CreatedAt   time.Time `json:"created_at"`
}

var (
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"}
	audioExtensions = []string{".mp3", ".wav", ".ogg", ".m4a", ".flac", ".aac"}
)

// MediaTypeFromURL infers the gallery media type from the URL's file extension.
// Unknown extensions are treated as video.
func MediaTypeFromURL(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(path.Ext(p))
	for _, e := range imageExtensions {
		if ext == e {
			return MediaTypeImage
		}
	}
	for _, e := range audioExtensions {
		if ext == e {
			return MediaTypeAudio
		}
	}
	return MediaTypeVideo
}
