// Пакет scan — проверки содержимого загружаемых файлов.
//
// Две стадии:
//   - CheckSignature — до записи: отклоняет исполняемые и скриптовые
//     форматы по первым байтам независимо от заявленного MIME;
//   - CheckFamily — после записи: определяет фактический тип по
//     magic bytes и сверяет его с заявленным.
//
// Это не антивирус, а только сигнатурные проверки.
package scan

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// HeadSize — сколько первых байт нужно для проверки сигнатур.
const HeadSize = 512

// OutcomeClean — результат сканирования, сохраняемый в метаданных записи.
const OutcomeClean = "clean"

var (
	// ErrDisallowedSignature — содержимое начинается с запрещённой сигнатуры.
	ErrDisallowedSignature = errors.New("запрещённая сигнатура содержимого")
	// ErrFamilyMismatch — фактический тип содержимого не соответствует заявленному.
	ErrFamilyMismatch = errors.New("тип содержимого не соответствует заявленному")
)

// signature — запрещённый префикс содержимого.
type signature struct {
	name   string
	prefix []byte
	// fold — сравнение без учёта регистра (для текстовых маркеров)
	fold bool
}

var disallowed = []signature{
	{name: "PE executable", prefix: []byte("MZ")},
	{name: "ELF executable", prefix: []byte{0x7f, 'E', 'L', 'F'}},
	{name: "Mach-O 32", prefix: []byte{0xfe, 0xed, 0xfa, 0xce}},
	{name: "Mach-O 64", prefix: []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{name: "Mach-O 32 LE", prefix: []byte{0xce, 0xfa, 0xed, 0xfe}},
	{name: "Mach-O 64 LE", prefix: []byte{0xcf, 0xfa, 0xed, 0xfe}},
	{name: "Mach-O universal / Java class", prefix: []byte{0xca, 0xfe, 0xba, 0xbe}},
	{name: "shebang script", prefix: []byte("#!")},
	{name: "PHP script", prefix: []byte("<?php"), fold: true},
	{name: "HTML script", prefix: []byte("<script"), fold: true},
	{name: "server page", prefix: []byte("<%")},
}

// CheckSignature проверяет начало содержимого на запрещённые сигнатуры.
// Ведущие пробельные символы и UTF-8 BOM игнорируются для текстовых маркеров.
func CheckSignature(head []byte) error {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(head, []byte{0xef, 0xbb, 0xbf}), " \t\r\n")

	for _, sig := range disallowed {
		if matchPrefix(head, sig) || (sig.fold && matchPrefix(trimmed, sig)) {
			return fmt.Errorf("%w: %s", ErrDisallowedSignature, sig.name)
		}
	}
	return nil
}

func matchPrefix(data []byte, sig signature) bool {
	if len(data) < len(sig.prefix) {
		return false
	}
	if sig.fold {
		return bytes.EqualFold(data[:len(sig.prefix)], sig.prefix)
	}
	return bytes.HasPrefix(data, sig.prefix)
}

// Result — итог проверки семейства типа.
type Result struct {
	// DetectedMIME — тип, определённый по magic bytes
	DetectedMIME string
	// Outcome — результат сканирования для метаданных записи
	Outcome string
}

// CheckFamily определяет фактический тип содержимого и сверяет его с
// заявленным MIME. Совпадением считается:
//   - заявленный тип или его предок в иерархии mimetype (docx → zip);
//   - общий класс image/* для изображений.
func CheckFamily(data []byte, declared string) (Result, error) {
	detected := mimetype.Detect(data)
	res := Result{DetectedMIME: detected.String()}

	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}

	if sameFamily(detected, declared) {
		res.Outcome = OutcomeClean
		return res, nil
	}
	return res, fmt.Errorf("%w: заявлен %s, определён %s", ErrFamilyMismatch, declared, detected.String())
}

func sameFamily(detected *mimetype.MIME, declared string) bool {
	for m := detected; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}

	if strings.HasPrefix(declared, "image/") && strings.HasPrefix(detected.String(), "image/") {
		return true
	}

	// Старые форматы Word определяются как контейнер OLE
	if declared == "application/msword" {
		for m := detected; m != nil; m = m.Parent() {
			if m.Is("application/x-ole-storage") {
				return true
			}
		}
	}
	return false
}
