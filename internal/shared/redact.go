package shared

import "regexp"

const redacted = "[REDACTED]"

// credentialRules cover the places a tasksync credential can leak into a
// log line or audit reason: the bearer header, the ?token= fallback on the
// websocket upgrade URL and the auth_token setting in config or env form.
// Group 1 is kept; everything the rule matched after it is replaced.
var credentialRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`),
	regexp.MustCompile(`(?i)([?&](?:token|access_token)=)[^&\s"]+`),
	regexp.MustCompile(`(?i)((?:tasksync_)?auth[_-]?token"?\s*[:=]\s*)"?[^\s",}]+"?`),
	regexp.MustCompile(`(?i)((?:secret|password)"?\s*[:=]\s*)"?[^\s",}]+"?`),
}

// Redact masks credentials in s, keeping the label that introduced them.
func Redact(s string) string {
	for _, re := range credentialRules {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "${1}"+redacted)
		}
	}
	return s
}
