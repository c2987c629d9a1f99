package osinfo

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed assets/catalog.yaml
var embeddedCatalog string

//go:embed assets/*.tmpl
var scriptAssets embed.FS

func scriptAsset(name string) (string, error) {
	data, err := fs.ReadFile(scriptAssets, "assets/"+name)
	if err != nil {
		return "", fmt.Errorf("load install script template %s: %w", name, err)
	}
	return string(data), nil
}
