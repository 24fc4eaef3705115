package tooling

import "github.com/helloml/voicebridge/pkg/realtime"

// Tool names exposed to the model.
const (
	ToolSearchKnowledgeBase = "search_knowledge_base"
	ToolEndCall             = "end_call"
	ToolCheckCalendar       = "check_calendar"
	ToolCreateCalendarEvent = "create_calendar_event"
)

// Definitions returns the function tools to advertise in the session
// configuration. Calendar tools are only offered when the business has a
// calendar connection.
func Definitions(hasCalendar bool) []realtime.Tool {
	tools := []realtime.Tool{
		{
			Name:        ToolSearchKnowledgeBase,
			Description: "Search the business knowledge base for information relevant to the caller's question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The caller's question or topic to look up.",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolEndCall,
			Description: "End the phone call after saying goodbye. Use when the caller is done or asks to hang up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason the call is ending.",
					},
				},
			},
		},
	}

	if hasCalendar {
		tools = append(tools,
			realtime.Tool{
				Name:        ToolCheckCalendar,
				Description: "Check which time slots are already taken on a given date.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"date": map[string]any{
							"type":        "string",
							"description": "The date to check, formatted YYYY-MM-DD.",
						},
					},
					"required": []string{"date"},
				},
			},
			realtime.Tool{
				Name:        ToolCreateCalendarEvent,
				Description: "Book an appointment on the business calendar once the caller has confirmed a time.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"summary": map[string]any{
							"type":        "string",
							"description": "Short appointment title including the caller's name.",
						},
						"date": map[string]any{
							"type":        "string",
							"description": "Appointment date, formatted YYYY-MM-DD.",
						},
						"start_time": map[string]any{
							"type":        "string",
							"description": "Start time HH:MM (24h) in the business time zone.",
						},
						"end_time": map[string]any{
							"type":        "string",
							"description": "End time HH:MM (24h). Omit to use the business default duration.",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "Optional notes for the appointment.",
						},
					},
					"required": []string{"summary", "date", "start_time"},
				},
			},
		)
	}

	return tools
}
