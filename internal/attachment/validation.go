package attachment

import (
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxFilenameBytes = 255

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".pdf":  true,
	".doc":  true,
	".docx": true,
}

var allowedMimeTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// ValidateFilename проверяет имя файла на безопасность и допустимое расширение
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}

	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return ErrPathTraversal
	}

	if len(filename) > maxFilenameBytes || !utf8.ValidString(filename) {
		return ErrInvalidFilename
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return ErrInvalidFilename
	}
	if !allowedExtensions[ext] {
		return ErrInvalidFileType
	}

	if strings.TrimSuffix(filename, filepath.Ext(filename)) == "" {
		return ErrInvalidFilename
	}

	return nil
}

// ValidateContentType проверяет MIME тип файла
func ValidateContentType(contentType string) error {
	if contentType == "" {
		return ErrInvalidContentType
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ErrInvalidContentType
	}

	if !allowedMimeTypes[strings.ToLower(mediaType)] {
		return ErrInvalidContentType
	}

	return nil
}

// SanitizeFilename очищает имя файла от управляющих символов и пробелов по краям
func SanitizeFilename(filename string) string {
	var builder strings.Builder
	for _, r := range filename {
		if r >= 32 && r != 127 {
			builder.WriteRune(r)
		}
	}
	return strings.TrimSpace(builder.String())
}

// EscapeFilename экранирует имя файла для quoted-string в HTTP заголовках
func EscapeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, `\`, `\\`)
	filename = strings.ReplaceAll(filename, `"`, `\"`)
	return filename
}

// ContentDisposition формирует inline-заголовок с ASCII-именем и RFC 5987 filename*.
func ContentDisposition(filename string) string {
	ascii := make([]rune, 0, len(filename))
	for _, r := range filename {
		if r < 32 || r > 126 {
			r = '_'
		}
		ascii = append(ascii, r)
	}
	return `inline; filename="` + EscapeFilename(string(ascii)) + `"; filename*=UTF-8''` +
		strings.ReplaceAll(url.QueryEscape(filename), "+", "%20")
}
