package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "{{.Title}}",
    "description": "{{escape .Description}}",
    "version": "{{.Version}}"
  },
  "host": "{{.Host}}",
  "basePath": "{{.BasePath}}",
  "schemes": {{ marshal .Schemes }},
  "produces": ["application/json"],
  "paths": {
    "/health": {
      "get": {"summary": "Liveness probe", "responses": {"200": {"description": "ok"}}}
    },
    "/auth/start": {
      "get": {
        "summary": "Return the iSolarCloud consent URL",
        "responses": {"200": {"description": "authorize_url", "schema": {"$ref": "#/definitions/AuthStart"}}}
      }
    },
    "/auth/callback": {
      "get": {
        "summary": "Exchange an authorization code and resolve plants",
        "parameters": [{"name": "code", "in": "query", "required": true, "type": "string"}],
        "responses": {
          "200": {"description": "authorized"},
          "400": {"description": "exchange failed", "schema": {"$ref": "#/definitions/Error"}}
        }
      }
    },
    "/realtime": {
      "post": {
        "summary": "Combined snapshot of both plants",
        "responses": {
          "200": {"description": "snapshot", "schema": {"$ref": "#/definitions/Realtime"}},
          "500": {"description": "upstream failure", "schema": {"$ref": "#/definitions/Error"}}
        }
      }
    },
    "/sg/realtime": {
      "post": {
        "summary": "Snapshot of the sg plant",
        "responses": {"200": {"description": "snapshot", "schema": {"$ref": "#/definitions/Snapshot"}}}
      }
    },
    "/sh/realtime": {
      "post": {
        "summary": "Snapshot of the sh plant",
        "responses": {"200": {"description": "snapshot", "schema": {"$ref": "#/definitions/Snapshot"}}}
      }
    },
    "/realtime/loxone": {
      "post": {
        "summary": "Flat numeric view for Loxone",
        "responses": {"200": {"description": "flat object with ASCII keys", "schema": {"type": "object", "additionalProperties": {"type": "number"}}}}
      }
    },
    "/plants": {
      "get": {"summary": "Known plant index", "responses": {"200": {"description": "plants"}}}
    },
    "/plants/refresh": {
      "post": {"summary": "Rebuild the plant index", "responses": {"200": {"description": "plants"}}}
    },
    "/plants/realtime": {
      "post": {
        "summary": "Snapshot of one plant by name",
        "parameters": [{"name": "name", "in": "query", "required": true, "type": "string"}],
        "responses": {"200": {"description": "snapshot", "schema": {"$ref": "#/definitions/Snapshot"}}}
      }
    }
  },
  "definitions": {
    "AuthStart": {
      "type": "object",
      "properties": {"authorize_url": {"type": "string"}}
    },
    "Error": {
      "type": "object",
      "properties": {"detail": {"type": "string"}}
    },
    "Snapshot": {
      "type": "object",
      "properties": {
        "plant_name": {"type": "string"},
        "plant_id": {"type": "string"},
        "timestamp_unix": {"type": "integer"},
        "power_w": {"type": "number"},
        "power_unit": {"type": "string"},
        "inverter_ac_power_w": {"type": "number"},
        "inverter_ac_power_unit": {"type": "string"},
        "daily_yield_wh": {"type": "number"},
        "daily_yield_unit": {"type": "string"},
        "total_yield_wh": {"type": "number"},
        "total_yield_unit": {"type": "string"},
        "raw": {"type": "object"}
      }
    },
    "Realtime": {
      "type": "object",
      "properties": {
        "timestamp_unix": {"type": "integer"},
        "plants": {
          "type": "object",
          "properties": {
            "sg": {"$ref": "#/definitions/Snapshot"},
            "sh": {"$ref": "#/definitions/Snapshot"}
          }
        }
      }
    }
  }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "0.2.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Sungrow Bridge",
	Description:      "HTTP bridge exposing Sungrow iSolarCloud realtime plant data.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
