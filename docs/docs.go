// Package docs holds the OpenAPI document served at /swagger. Keep it in step with the
// handler annotations when routes change.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/ai/chat": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Returns the assistant reply. Authenticated callers also get the chat id and title the exchange was recorded under.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["ai"],
                "summary": "Send a conversation to the AI",
                "parameters": [
                    {
                        "description": "Conversation",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/models.ChatRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.ChatReplyResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "504": {"description": "Gateway Timeout", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/ai/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["ai"],
                "summary": "Check the AI provider connection",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.ProviderStatusResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/models.ProviderStatusResponse"}}
                }
            }
        },
        "/auth/login": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Log in and receive a JWT",
                "parameters": [
                    {
                        "description": "Credentials",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/models.LoginRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.AuthResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/auth/me": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Current user",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.User"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/auth/ws": {
            "get": {
                "security": [{"BearerAuth": []}],
                "tags": ["auth"],
                "summary": "Open the realtime event websocket",
                "description": "Browsers may pass the JWT as the token query parameter on the upgrade request.",
                "parameters": [
                    {
                        "type": "string",
                        "description": "JWT when no Authorization header can be sent",
                        "name": "token",
                        "in": "query"
                    }
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/auth/register": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Register a local account",
                "parameters": [
                    {
                        "description": "Account",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/models.CreateUserRequest"}
                    }
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/models.AuthResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/chats": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["chats"],
                "summary": "List the caller's chats, most recently updated first",
                "parameters": [
                    {"type": "integer", "description": "Page size (max 50)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Offset", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.ChatResponse"}}}
                }
            }
        },
        "/chats/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["chats"],
                "summary": "Get a chat with its messages",
                "parameters": [
                    {"type": "string", "description": "Chat ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.ChatWithMessagesResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            },
            "put": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["chats"],
                "summary": "Rename a chat",
                "parameters": [
                    {"type": "string", "description": "Chat ID", "name": "id", "in": "path", "required": true},
                    {
                        "description": "New title",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/models.UpdateChatRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Chat"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["chats"],
                "summary": "Delete a chat and its messages",
                "parameters": [
                    {"type": "string", "description": "Chat ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "boolean"}}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/chats/{id}/messages": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["chats"],
                "summary": "List a chat's messages, oldest first",
                "parameters": [
                    {"type": "string", "description": "Chat ID", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "description": "Page size", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Offset", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.Message"}}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "models.AuthResponse": {
            "type": "object",
            "properties": {
                "token": {"type": "string"},
                "user": {"$ref": "#/definitions/models.User"}
            }
        },
        "models.Chat": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "id": {"type": "string"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/models.Message"}},
                "title": {"type": "string"},
                "updatedAt": {"type": "string"},
                "userId": {"type": "integer"}
            }
        },
        "models.ChatMessage": {
            "type": "object",
            "properties": {
                "content": {"type": "string"},
                "role": {"type": "string"}
            }
        },
        "models.ChatReplyResponse": {
            "type": "object",
            "properties": {
                "chatId": {"type": "string"},
                "messageCount": {"type": "integer"},
                "reply": {"type": "string"},
                "title": {"type": "string"}
            }
        },
        "models.ChatRequest": {
            "type": "object",
            "properties": {
                "chatId": {"type": "string"},
                "maxTokens": {"type": "integer"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/models.ChatMessage"}},
                "model": {"type": "string"},
                "temperature": {"type": "number"}
            }
        },
        "models.ChatResponse": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "id": {"type": "string"},
                "lastMessage": {"$ref": "#/definitions/models.Message"},
                "messageCount": {"type": "integer"},
                "title": {"type": "string"},
                "updatedAt": {"type": "string"},
                "userId": {"type": "integer"}
            }
        },
        "models.ChatWithMessagesResponse": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "id": {"type": "string"},
                "messageCount": {"type": "integer"},
                "messages": {"type": "array", "items": {"$ref": "#/definitions/models.Message"}},
                "title": {"type": "string"},
                "updatedAt": {"type": "string"},
                "userId": {"type": "integer"}
            }
        },
        "models.CreateUserRequest": {
            "type": "object",
            "required": ["email", "password", "username"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string", "minLength": 6},
                "username": {"type": "string", "maxLength": 20, "minLength": 3}
            }
        },
        "models.ErrorResponse": {
            "type": "object",
            "properties": {
                "details": {"type": "string"},
                "error": {"type": "string"},
                "kind": {"type": "string"}
            }
        },
        "models.LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            }
        },
        "models.Message": {
            "type": "object",
            "properties": {
                "chatId": {"type": "string"},
                "content": {"type": "string"},
                "createdAt": {"type": "string"},
                "id": {"type": "integer"},
                "model": {"type": "string"},
                "role": {"type": "string"},
                "tokensUsed": {"type": "integer"}
            }
        },
        "models.ProviderStatusResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string"},
                "model": {"type": "string"},
                "success": {"type": "boolean"}
            }
        },
        "models.UpdateChatRequest": {
            "type": "object",
            "required": ["title"],
            "properties": {
                "title": {"type": "string", "maxLength": 100, "minLength": 1}
            }
        },
        "models.User": {
            "type": "object",
            "properties": {
                "createdAt": {"type": "string"},
                "email": {"type": "string"},
                "externalId": {"type": "string"},
                "id": {"type": "integer"},
                "updatedAt": {"type": "string"},
                "username": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Type \"Bearer\" followed by a space and JWT token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "MicroLearn Chat API",
	Description:      "Chat backend that forwards conversations to an LLM provider and keeps chat history.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
