// Copyright 2025 James Ross
package executor

// Languages maps a submission's language_id to the compile/run recipe the
// executor needs. Persistent language metadata normally lives in the
// problem database; this fixed table stands in for it since that storage
// layer is an external collaborator outside this repo's scope.
var Languages = map[string]Language{
	"cpp17": {
		ID:             "cpp17",
		SourceFilename: "main.cpp",
		CompileCommand: []string{"/usr/bin/g++", "-O2", "-std=c++17", "-o", "%DIR%/a.out", "%SRC%"},
		// %SRC% here resolves to the post-compile binary path, not the source file.
		RunCommand: []string{"%SRC%"},
	},
	"c17": {
		ID:             "c17",
		SourceFilename: "main.c",
		CompileCommand: []string{"/usr/bin/gcc", "-O2", "-std=c17", "-o", "%DIR%/a.out", "%SRC%"},
		RunCommand:     []string{"%SRC%"},
	},
	"python3": {
		ID:             "python3",
		SourceFilename: "main.py",
		RunCommand:     []string{"/usr/bin/python3", "%SRC%"},
	},
	"java17": {
		ID:             "java17",
		SourceFilename: "Main.java",
		CompileCommand: []string{"/usr/bin/javac", "-d", "%DIR%", "%SRC%"},
		RunCommand:     []string{"/usr/bin/java", "-cp", "%DIR%", "Main"},
	},
	"go": {
		ID:             "go",
		SourceFilename: "main.go",
		CompileCommand: []string{"/usr/bin/go", "build", "-o", "%DIR%/a.out", "%SRC%"},
		RunCommand:     []string{"%SRC%"},
	},
}

// Lookup returns the Language recipe for a language_id, or false if it
// isn't registered.
func Lookup(languageID string) (Language, bool) {
	l, ok := Languages[languageID]
	return l, ok
}
