package beam

import (
	"errors"
	"fmt"

	"go2tv.app/castspeak/internal/config"
	"go2tv.app/castspeak/internal/domain"
)

func toolError(code, message string) *domain.ToolError {
	return &domain.ToolError{Code: code, Message: message}
}

// toolErrorFor maps playback and lookup failures onto stable tool codes.
func toolErrorFor(err error) *domain.ToolError {
	if err == nil {
		return nil
	}

	var toolErr *domain.ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}

	var loadErr *domain.MediaLoadError
	var devErr *domain.DeviceError
	switch {
	case errors.Is(err, domain.ErrDeviceDisconnected):
		return &domain.ToolError{
			Code:    "DEVICE_DISCONNECTED",
			Message: err.Error(),
			SuggestedFixes: []string{
				"Check that the device is powered on and still on the network.",
			},
		}
	case errors.As(err, &loadErr):
		details := map[string]any{}
		if loadErr.IdleReason != "" {
			details["idle_reason"] = loadErr.IdleReason
		}
		if loadErr.FailureType != "" {
			details["failure_type"] = loadErr.FailureType
		}
		return &domain.ToolError{
			Code:    "MEDIA_LOAD_FAILED",
			Message: err.Error(),
			SuggestedFixes: []string{
				"Confirm the media URL is reachable from the device network.",
				"Use a format the default media receiver supports, such as MP3, AAC or MP4.",
			},
			Details: details,
		}
	case errors.As(err, &devErr) && devErr.Op == "CONNECT":
		return &domain.ToolError{
			Code:    "DEVICE_UNREACHABLE",
			Message: err.Error(),
			SuggestedFixes: []string{
				"Check the device host in the config file.",
				"Run list_devices with probe=true to test reachability.",
			},
		}
	case domain.IsTimeout(err):
		return toolError("TIMEOUT", err.Error())
	case errors.As(err, &devErr):
		details := map[string]any{"op": devErr.Op}
		if devErr.FailureType != "" {
			details["failure_type"] = devErr.FailureType
		}
		return &domain.ToolError{Code: "DEVICE_ERROR", Message: err.Error(), Details: details}
	case errors.Is(err, config.ErrDeviceNotFound):
		return &domain.ToolError{
			Code:    "DEVICE_NOT_FOUND",
			Message: err.Error(),
			SuggestedFixes: []string{
				"Run list_devices and use one of the returned ids or names.",
			},
		}
	default:
		return toolError("PROTOCOL_ERROR", err.Error())
	}
}

func deviceNotFoundError(target string) *domain.ToolError {
	return &domain.ToolError{
		Code:    "DEVICE_NOT_FOUND",
		Message: fmt.Sprintf("device not found: %s", target),
		SuggestedFixes: []string{
			"Run list_devices and use one of the returned ids or names.",
		},
		Details: map[string]any{"device": target},
	}
}

func noDevicesConfiguredError() *domain.ToolError {
	return &domain.ToolError{
		Code:    "DEVICE_NOT_FOUND",
		Message: "no devices are configured",
		SuggestedFixes: []string{
			"Add a [device.<id>] section with an ip key to the config file.",
		},
	}
}

func castNotFoundError(castID string) *domain.ToolError {
	return &domain.ToolError{
		Code:    "CAST_NOT_FOUND",
		Message: fmt.Sprintf("cast not found: %s", castID),
		Details: map[string]any{"cast_id": castID},
	}
}

func unsupportedURLPatternError(message, limitationCode string) *domain.ToolError {
	return &domain.ToolError{
		Code:    "UNSUPPORTED_URL_PATTERN",
		Message: message,
		Limitations: []domain.Limitation{{
			Code:    limitationCode,
			Message: message,
		}},
		SuggestedFixes: []string{
			"Use an absolute local file path, or an http/https URL with a routable host.",
		},
	}
}

func loopbackURLBlockedError(host string) *domain.ToolError {
	return &domain.ToolError{
		Code:    "UNSUPPORTED_URL_PATTERN",
		Message: "localhost and loopback URL hosts are blocked by default",
		Limitations: []domain.Limitation{{
			Code:    "URL_LOOPBACK_BLOCKED",
			Message: "A cast device cannot fetch media from this host's loopback address.",
		}},
		SuggestedFixes: []string{
			"Use a URL hosted on a machine the device can reach.",
			"Use a local file source so castspeak serves the media on the LAN.",
			"Set CASTSPEAK_ALLOW_LOOPBACK_URLS=true only for trusted local testing.",
		},
		Details: map[string]any{"host": host},
	}
}

func pathPolicyBlockedError(fieldName string) *domain.ToolError {
	return &domain.ToolError{
		Code:    "FILE_NOT_READABLE",
		Message: fmt.Sprintf("%s is blocked by strict path policy", fieldName),
		Limitations: []domain.Limitation{{
			Code:    "PATH_POLICY_BLOCKED",
			Message: "Strict path policy allows only configured local path prefixes.",
		}},
		SuggestedFixes: []string{
			"Move the media under an allowed local directory.",
			"Set CASTSPEAK_ALLOWED_PATH_PREFIXES to include required path prefixes.",
			"Disable strict mode with CASTSPEAK_STRICT_PATH_POLICY=false if appropriate.",
		},
		Details: map[string]any{"field": fieldName},
	}
}
