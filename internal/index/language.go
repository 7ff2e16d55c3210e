package index

import "strings"

// Language is a small tag stored per document. The on-disk representation is
// a u16 validated on read against the declared set; out-of-range values are
// corruption, never reinterpreted.
type Language uint16

const (
	LangUnknown Language = iota
	LangRust
	LangPython
	LangJavaScript
	LangTypeScript
	LangGo
	LangC
	LangCpp
	LangJava
	LangRuby
	LangShell
	LangMarkdown
	LangJSON
	LangYAML
	LangTOML
	LangHTML
	LangCSS
	LangSQL
	LangHaskell
	LangScala
	LangKotlin
	LangSwift
	LangPHP
	LangCSharp
	LangElixir
	LangClojure
	LangLua
	LangPerl
	LangR
	LangZig
	LangNim
	LangOCaml

	languageCount // sentinel, keep last
)

// ValidLanguage reports whether a raw 16-bit tag names a declared language.
func ValidLanguage(raw uint16) bool {
	return raw < uint16(languageCount)
}

// LanguageFromExtension maps a file extension (without dot) to its language.
func LanguageFromExtension(ext string) Language {
	switch strings.ToLower(ext) {
	case "rs":
		return LangRust
	case "py", "pyi", "pyw":
		return LangPython
	case "js", "mjs", "cjs":
		return LangJavaScript
	case "ts", "mts", "cts", "tsx", "jsx":
		return LangTypeScript
	case "go":
		return LangGo
	case "c", "h":
		return LangC
	case "cpp", "cc", "cxx", "hpp", "hxx", "hh":
		return LangCpp
	case "java":
		return LangJava
	case "rb", "rake":
		return LangRuby
	case "sh", "bash", "zsh", "fish":
		return LangShell
	case "md", "markdown":
		return LangMarkdown
	case "json":
		return LangJSON
	case "yaml", "yml":
		return LangYAML
	case "toml":
		return LangTOML
	case "html", "htm":
		return LangHTML
	case "css", "scss", "sass", "less":
		return LangCSS
	case "sql":
		return LangSQL
	case "hs", "lhs":
		return LangHaskell
	case "scala", "sc":
		return LangScala
	case "kt", "kts":
		return LangKotlin
	case "swift":
		return LangSwift
	case "php":
		return LangPHP
	case "cs":
		return LangCSharp
	case "ex", "exs":
		return LangElixir
	case "clj", "cljs", "cljc", "edn":
		return LangClojure
	case "lua":
		return LangLua
	case "pl", "pm":
		return LangPerl
	case "r":
		return LangR
	case "zig":
		return LangZig
	case "nim":
		return LangNim
	case "ml", "mli":
		return LangOCaml
	default:
		return LangUnknown
	}
}

// LanguageFromName maps a user-facing language name (as typed in a lang:
// filter) to its tag.
func LanguageFromName(name string) Language {
	switch strings.ToLower(name) {
	case "rust", "rs":
		return LangRust
	case "python", "py":
		return LangPython
	case "javascript", "js":
		return LangJavaScript
	case "typescript", "ts":
		return LangTypeScript
	case "go", "golang":
		return LangGo
	case "c":
		return LangC
	case "cpp", "c++":
		return LangCpp
	case "java":
		return LangJava
	case "ruby", "rb":
		return LangRuby
	case "shell", "sh", "bash":
		return LangShell
	case "markdown", "md":
		return LangMarkdown
	case "json":
		return LangJSON
	case "yaml", "yml":
		return LangYAML
	case "toml":
		return LangTOML
	case "html":
		return LangHTML
	case "css":
		return LangCSS
	case "sql":
		return LangSQL
	case "haskell", "hs":
		return LangHaskell
	case "scala":
		return LangScala
	case "kotlin", "kt":
		return LangKotlin
	case "swift":
		return LangSwift
	case "php":
		return LangPHP
	case "csharp", "cs", "c#":
		return LangCSharp
	case "elixir", "ex":
		return LangElixir
	case "clojure", "clj":
		return LangClojure
	case "lua":
		return LangLua
	case "perl", "pl":
		return LangPerl
	case "r":
		return LangR
	case "zig":
		return LangZig
	case "nim":
		return LangNim
	case "ocaml", "ml":
		return LangOCaml
	default:
		return LangUnknown
	}
}
