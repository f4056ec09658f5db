package api

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	youtubeURLRegex = regexp.MustCompile(`^(https?://)?(www\.)?(youtube\.com/(watch\?v=|embed/|v/)|youtu\.be/)([a-zA-Z0-9_-]{11})(&.*)?$`)
	videoIDRegex    = regexp.MustCompile(`(?:youtube\.com/(?:[^/]+/.+/|(?:v|e(?:mbed)?)/|.*[?&]v=)|youtu\.be/)([^"&?/\s]{11})`)
	unsafeURLChars  = strings.NewReplacer("<", "", ">", "", "'", "", `"`, "")
)

// ValidYouTubeURL reports whether s is a watch, embed, v/ or youtu.be link
// with an 11 character video ID.
func ValidYouTubeURL(s string) bool {
	return youtubeURLRegex.MatchString(s)
}

// SanitizeURL trims whitespace and strips characters that have no business
// in a video link.
func SanitizeURL(s string) string {
	return unsafeURLChars.Replace(strings.TrimSpace(s))
}

// ExtractVideoID returns the 11 character video ID in s, or "".
func ExtractVideoID(s string) string {
	m := videoIDRegex.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("youtube", func(fl validator.FieldLevel) bool {
		return ValidYouTubeURL(fl.Field().String())
	})
	return v
}

// validationMessages maps a failed tag to the message returned to clients.
var validationMessages = map[string]string{
	"required": "YouTube URL is required",
	"youtube":  "Invalid YouTube URL",
	"max":      "Quality value is too long",
}

// validateRequest checks a request struct and returns the first failure as a
// client-facing message.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if msg, ok := validationMessages[verrs[0].Tag()]; ok {
			return errors.New(msg)
		}
		return errors.New("invalid field: " + strings.ToLower(verrs[0].Field()))
	}
	return err
}
