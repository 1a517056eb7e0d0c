// Package docs registers the OpenAPI document served under /swagger. The
// template mirrors the swag annotations on cmd/gateway and the handlers;
// regenerate it with `go generate ./internal/http/docs` after changing them.
package docs

//go:generate swag init --parseInternal -d ../../../ -g cmd/gateway/main.go -o .

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
        "/graph": {"get": {"tags": ["Documents"], "summary": "Search documents",
            "parameters": [
                {"type": "string", "name": "q", "in": "query"},
                {"type": "array", "items": {"type": "string"}, "collectionFormat": "multi", "name": "scope", "in": "query"},
                {"type": "integer", "minimum": 1, "default": 20, "name": "limit", "in": "query"},
                {"type": "boolean", "default": true, "name": "cache", "in": "query"}
            ],
            "responses": {"200": {"description": "ItemList"}, "400": {"$ref": "#/responses/Error"}}}},
        "/graph/{id}": {
            "get": {"tags": ["Documents"], "summary": "Get a document",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "version", "in": "query"},
                    {"type": "boolean", "default": true, "name": "cache", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"$ref": "#/responses/Error"}}},
            "delete": {"operationId": "deleteGraph", "tags": ["Documents"], "summary": "Delete a graph",
                "security": [{"BearerAuth": []}],
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "ItemList of deleted items"}, "403": {"$ref": "#/responses/Error"}}}
        },
        "/organization": {"get": {"operationId": "searchOrganization", "tags": ["Documents"], "summary": "Search documents",
            "parameters": [
                {"type": "string", "name": "q", "in": "query"},
                {"type": "array", "items": {"type": "string"}, "collectionFormat": "multi", "name": "scope", "in": "query"},
                {"type": "integer", "minimum": 1, "default": 20, "name": "limit", "in": "query"}
            ],
            "responses": {"200": {"description": "ItemList"}, "400": {"$ref": "#/responses/Error"}}}},
        "/periodical": {"get": {"operationId": "searchPeriodical", "tags": ["Documents"], "summary": "Search documents",
            "parameters": [
                {"type": "string", "name": "q", "in": "query"},
                {"type": "array", "items": {"type": "string"}, "collectionFormat": "multi", "name": "scope", "in": "query"},
                {"type": "integer", "minimum": 1, "default": 20, "name": "limit", "in": "query"}
            ],
            "responses": {"200": {"description": "ItemList"}, "400": {"$ref": "#/responses/Error"}}}},
        "/organization/{id}": {"get": {"operationId": "getOrganization", "tags": ["Documents"], "summary": "Get a document",
            "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
            "responses": {"200": {"description": "OK"}, "404": {"$ref": "#/responses/Error"}}}},
        "/periodical/{id}": {"get": {"operationId": "getPeriodical", "tags": ["Documents"], "summary": "Get a document",
            "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
            "responses": {"200": {"description": "OK"}, "404": {"$ref": "#/responses/Error"}}}},
        "/user/{id}": {"get": {"operationId": "getUser", "tags": ["Documents"], "summary": "Get a document",
            "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
            "responses": {"200": {"description": "OK"}, "404": {"$ref": "#/responses/Error"}}}},
        "/action": {"post": {"operationId": "postAction", "tags": ["Actions"], "summary": "Post an action",
            "security": [{"BearerAuth": []}],
            "consumes": ["application/json"],
            "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"type": "object"}}],
            "responses": {"200": {"description": "OK"}, "400": {"$ref": "#/responses/Error"}, "403": {"$ref": "#/responses/Error"}}}},
        "/action/{id}": {"get": {"operationId": "getAction", "tags": ["Actions"], "summary": "Get an action",
            "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
            "responses": {"200": {"description": "OK"}, "404": {"$ref": "#/responses/Error"}}}},
        "/feed": {"get": {"operationId": "feed", "tags": ["Feed"], "summary": "Change feed",
            "produces": ["application/json", "text/event-stream"],
            "parameters": [
                {"type": "string", "enum": ["public", "user", "admin"], "default": "public", "name": "filter", "in": "query"},
                {"type": "array", "items": {"type": "string"}, "collectionFormat": "multi", "name": "scope", "in": "query"},
                {"type": "array", "items": {"type": "string"}, "collectionFormat": "multi", "name": "outscope", "in": "query"},
                {"type": "integer", "minimum": 1, "maximum": 200, "name": "limit", "in": "query"},
                {"type": "boolean", "name": "descending", "in": "query"},
                {"type": "string", "name": "last-event-id", "in": "query"},
                {"type": "string", "name": "accept", "in": "query"},
                {"type": "string", "name": "Last-Event-ID", "in": "header"}
            ],
            "responses": {"200": {"description": "DataFeed"}, "400": {"$ref": "#/responses/Error"}, "503": {"$ref": "#/responses/Error"}}}},
        "/encoding/{id}": {"get": {"operationId": "getEncoding", "tags": ["Encodings"], "summary": "Download encoded content",
            "produces": ["application/octet-stream"],
            "parameters": [
                {"type": "string", "name": "id", "in": "path", "required": true},
                {"type": "string", "name": "version", "in": "query"},
                {"type": "string", "name": "Range", "in": "header"},
                {"type": "string", "name": "If-None-Match", "in": "header"}
            ],
            "responses": {
                "200": {"description": "OK", "schema": {"type": "file"}},
                "206": {"description": "Partial content", "schema": {"type": "file"}},
                "304": {"description": "Not Modified"},
                "404": {"$ref": "#/responses/Error"},
                "416": {"$ref": "#/responses/Error"}
            }}}
    },
    "responses": {
        "Error": {"description": "Error payload", "schema": {"$ref": "#/definitions/domain.APIError"}}
    },
    "definitions": {
        "domain.APIError": {
            "type": "object",
            "properties": {
                "@type": {"type": "string", "example": "Error"},
                "statusCode": {"type": "integer", "example": 404},
                "description": {"type": "string", "example": "graph:42 not found"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds the exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Document Gateway API",
	Description:      "REST, change feed and encoding endpoints in front of the document database.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
