package media

import "github.com/nikhilbhutani/processor/internal/models"

// Preset is a fixed, named image transform.
type Preset struct {
	Name string
	// MaxWidth and MaxHeight bound the output; zero leaves that side free.
	MaxWidth    int
	MaxHeight   int
	Format      string
	Quality     int
	ContentType string
}

var presets = map[string]Preset{
	models.PresetThumbnail: {
		Name:        models.PresetThumbnail,
		MaxWidth:    200,
		MaxHeight:   200,
		Format:      "webp",
		Quality:     80,
		ContentType: "image/webp",
	},
	models.PresetAIChat: {
		Name:        models.PresetAIChat,
		MaxWidth:    1920,
		Format:      "jpeg",
		Quality:     85,
		ContentType: "image/jpeg",
	},
}

// PresetNames lists the image presets produced for every visual upload.
func PresetNames() []string {
	return []string{models.PresetThumbnail, models.PresetAIChat}
}

func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}
