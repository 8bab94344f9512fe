package helpers

// MaskValue replaces sensitive values in printed output.
const MaskValue = "***********"

// MaskConfigFields returns a copy of config with the named fields masked.
func MaskConfigFields(sensitiveFields []string, config map[string]string) map[string]string {
	sensitive := make(map[string]bool, len(sensitiveFields))
	for _, f := range sensitiveFields {
		sensitive[f] = true
	}

	masked := make(map[string]string, len(config))
	for k, v := range config {
		if sensitive[k] {
			masked[k] = MaskValue
		} else {
			masked[k] = v
		}
	}
	return masked
}
