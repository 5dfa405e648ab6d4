// Package docs holds the OpenAPI description of the diffusiond HTTP API.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/models": {
            "get": {
                "produces": ["application/json"],
                "summary": "List model directories",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/models/load": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Load a model asynchronously",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/types.LoadRequest"}}],
                "responses": {
                    "200": {"description": "Already current", "schema": {"$ref": "#/definitions/types.LoadResponse"}},
                    "202": {"description": "Loading or queued", "schema": {"$ref": "#/definitions/types.LoadResponse"}},
                    "404": {"description": "Unknown model", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Busy", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "summary": "Current phase and counters",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        },
        "/generate": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json", "application/x-ndjson"],
                "summary": "Submit a generation",
                "description": "Returns 202 with a ticket, or with stream=true an NDJSON stream of the request's phases.",
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/types.GenerateRequest"}}],
                "responses": {
                    "200": {"description": "NDJSON stream", "schema": {"$ref": "#/definitions/types.PhaseEvent"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/types.GenerateResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Busy", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "No model loaded", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/generate/{id}": {
            "delete": {
                "summary": "Cancel the running request",
                "parameters": [{"in": "path", "name": "id", "required": true, "type": "string"}],
                "responses": {
                    "204": {"description": "Cancelled"},
                    "404": {"description": "Not running", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/events": {
            "get": {
                "produces": ["application/x-ndjson"],
                "summary": "Stream every phase change",
                "responses": {
                    "200": {"description": "NDJSON stream", "schema": {"$ref": "#/definitions/types.PhaseEvent"}}
                }
            }
        },
        "/images": {
            "get": {
                "produces": ["application/json"],
                "summary": "List gallery images",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GalleryResponse"}}
                }
            }
        },
        "/images/{id}/export": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Write an image and its metadata to disk",
                "parameters": [
                    {"in": "path", "name": "id", "required": true, "type": "string"},
                    {"in": "body", "name": "body", "schema": {"$ref": "#/definitions/types.ExportRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ExportResponse"}},
                    "404": {"description": "Unknown image", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {"type": "object", "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}},
        "types.Model": {"type": "object", "properties": {"id": {"type": "string"}, "name": {"type": "string"}, "path": {"type": "string"}}},
        "types.ModelsResponse": {"type": "object", "properties": {"models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}, "current": {"type": "string"}}},
        "types.LoadRequest": {"type": "object", "properties": {"model": {"type": "string", "example": "v1-5"}}},
        "types.LoadResponse": {"type": "object", "properties": {"model": {"type": "string"}, "status": {"type": "string", "example": "loading"}}},
        "types.GenerateRequest": {"type": "object", "properties": {
            "prompt": {"type": "string", "example": "a cat"},
            "negative_prompt": {"type": "string"},
            "scheduler": {"type": "string", "enum": ["pndm", "dpmpp"]},
            "steps": {"type": "integer", "example": 25},
            "image_count": {"type": "integer", "example": 1},
            "guidance": {"type": "number", "example": 7.5},
            "safety_checker": {"type": "boolean"},
            "seed": {"type": "integer"},
            "stream": {"type": "boolean"}
        }},
        "types.GenerateResponse": {"type": "object", "properties": {"request_id": {"type": "string"}, "seed": {"type": "integer"}}},
        "types.ImageRef": {"type": "object", "properties": {"id": {"type": "string"}, "index": {"type": "integer"}, "url": {"type": "string"}}},
        "types.ResultSummary": {"type": "object", "properties": {
            "request_id": {"type": "string"}, "model": {"type": "string"}, "seed": {"type": "integer"},
            "images": {"type": "array", "items": {"$ref": "#/definitions/types.ImageRef"}}, "duration_ms": {"type": "integer"}
        }},
        "types.PhaseEvent": {"type": "object", "properties": {
            "phase": {"type": "string", "enum": ["uninitialized", "loading", "ready", "running", "completed", "failed", "error"]},
            "model": {"type": "string"}, "request_id": {"type": "string"}, "step": {"type": "integer"}, "steps": {"type": "integer"},
            "error": {"type": "string"}, "code": {"type": "string"}, "result": {"$ref": "#/definitions/types.ResultSummary"}
        }},
        "types.StatusResponse": {"type": "object", "properties": {
            "phase": {"type": "string"}, "model": {"type": "string"}, "load_policy": {"type": "string"},
            "pending_load": {"type": "string"}, "uptime_seconds": {"type": "integer"}, "server_time_unix": {"type": "integer"},
            "loads_total": {"type": "integer"}, "generations_total": {"type": "integer"}, "subscribers": {"type": "integer"}
        }},
        "types.GalleryEntry": {"type": "object", "properties": {
            "id": {"type": "string"}, "request_id": {"type": "string"}, "index": {"type": "integer"}, "prompt": {"type": "string"},
            "negative_prompt": {"type": "string"}, "model": {"type": "string"}, "scheduler": {"type": "string"},
            "seed": {"type": "integer"}, "steps": {"type": "integer"}, "guidance": {"type": "number"},
            "width": {"type": "integer"}, "height": {"type": "integer"}, "created_unix": {"type": "integer"}
        }},
        "types.GalleryResponse": {"type": "object", "properties": {"images": {"type": "array", "items": {"$ref": "#/definitions/types.GalleryEntry"}}}},
        "types.ExportRequest": {"type": "object", "properties": {"dir": {"type": "string"}, "format": {"type": "string", "enum": ["png", "jpeg"]}}},
        "types.ExportResponse": {"type": "object", "properties": {"image_path": {"type": "string"}, "metadata_path": {"type": "string"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "diffusiond API",
	Description:      "HTTP API for local diffusion model loading, image generation and the result gallery.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
