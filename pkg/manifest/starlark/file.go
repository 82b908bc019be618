package starlark

import (
	"fmt"

	"go.starlark.net/starlark"

	"peertech.de/converge/pkg/resource"
)

// NewFileContent returns a starlark.Builtin for file-content resources.
func NewFileContent() *starlark.Builtin {
	return starlark.NewBuiltin("file_content", newFileContent)
}

func newFileContent(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var path, content, marker, comment, mode starlark.String
	var o options

	err := starlark.UnpackArgs(b.Name(), args, kwargs, append([]any{
		"path", &path,
		"content", &content,
		"marker?", &marker,
		"comment?", &comment,
		"mode?", &mode,
	}, o.pairs()...)...)
	if err != nil {
		return nil, err
	}

	if string(path) == "" {
		return nil, fmt.Errorf("%s: path cannot be empty", b.Name())
	}

	return declare(thread, resource.Resource{
		Kind:    resource.KindFileContent,
		Path:    string(path),
		Content: string(content),
		Marker:  string(marker),
		Comment: string(comment),
		Mode:    optionalString(mode),
	}, &o)
}

// NewLineInFile returns a starlark.Builtin for line-in-file resources.
func NewLineInFile() *starlark.Builtin {
	return starlark.NewBuiltin("line_in_file", newLineInFile)
}

func newLineInFile(
	thread *starlark.Thread,
	b *starlark.Builtin,
	args starlark.Tuple,
	kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var path, line, match, mode starlark.String
	var o options

	err := starlark.UnpackArgs(b.Name(), args, kwargs, append([]any{
		"path", &path,
		"line", &line,
		"match?", &match,
		"mode?", &mode,
	}, o.pairs()...)...)
	if err != nil {
		return nil, err
	}

	if string(path) == "" {
		return nil, fmt.Errorf("%s: path cannot be empty", b.Name())
	}
	if string(line) == "" {
		return nil, fmt.Errorf("%s: line cannot be empty", b.Name())
	}

	return declare(thread, resource.Resource{
		Kind:  resource.KindLineInFile,
		Path:  string(path),
		Line:  string(line),
		Match: string(match),
		Mode:  optionalString(mode),
	}, &o)
}
