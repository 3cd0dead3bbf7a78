package mcpserver

func deviceArgSchema(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"device": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required":             []string{"device"},
		"additionalProperties": false,
	}
}

func staticTools() []tool {
	return []tool{
		{
			Name:        "list_devices",
			Description: "List the Chromecast devices configured for castspeak. Call this first to find device ids or names for cast_media.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"probe": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Also open a TLS connection to each device and report reachability and latency.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "cast_media",
			Description: "Play an audio or video file or URL on one or more Chromecast devices at once. Each device reports its own outcome; one failing device does not stop the others.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source": map[string]any{
						"type":        "string",
						"description": "Absolute local file path (for example /tmp/announcement.mp3) or an http/https URL.",
					},
					"devices": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Device ids or names. Omit to cast to every configured device.",
					},
					"content_type": map[string]any{
						"type":        "string",
						"description": "MIME type override. Detected from the media when omitted.",
					},
					"title": map[string]any{
						"type":        "string",
						"description": "Title shown on the device.",
					},
					"live": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Mark the media as a live stream.",
					},
					"volume": map[string]any{
						"type":        "integer",
						"minimum":     0,
						"maximum":     100,
						"description": "Playback volume in percent. The previous volume is restored after playback.",
					},
					"duration_seconds": map[string]any{
						"type":        "number",
						"minimum":     0,
						"description": "Media duration hint. Probed with ffprobe for local files when omitted.",
					},
					"wait_for_completion": map[string]any{
						"type":        "boolean",
						"default":     true,
						"description": "Wait until playback finishes, then stop the receiver and restore the volume.",
					},
					"async": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Return immediately with a cast_id and keep casting in the background.",
					},
				},
				"required":             []string{"source"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "cast_status",
			Description: "Report the state of one cast, or of every recent cast when cast_id is omitted.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cast_id": map[string]any{
						"type":        "string",
						"description": "The cast_id returned by cast_media.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "stop_cast",
			Description: "Cancel a running cast. Every device it plays on is released.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cast_id": map[string]any{
						"type":        "string",
						"description": "The cast_id returned by cast_media.",
					},
				},
				"required":             []string{"cast_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "device_status",
			Description: "Read the receiver status of one device: volume, running applications and standby state.",
			InputSchema: deviceArgSchema("Device id or name."),
		},
		{
			Name:        "stop_app",
			Description: "Stop the default media receiver on a device if it is running, whoever started it.",
			InputSchema: deviceArgSchema("Device id or name."),
		},
	}
}
