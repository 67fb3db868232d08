package tools

// Schema is a JSON-schema subset sufficient for the tutor's tools. Backends
// translate it into their own declaration types.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

type Declaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters"`
}

func number(desc string) *Schema { return &Schema{Type: "number", Description: desc} }
func str(desc string) *Schema    { return &Schema{Type: "string", Description: desc} }

// Declarations lists the tools the tutor may call.
func Declarations() []Declaration {
	return []Declaration{
		{
			Name: DrawOnWhiteboard,
			Description: "Draw on the shared whiteboard. Coordinates and sizes are percentages (0-100) of the board width/height. " +
				"Use clear to erase everything.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"action": {
						Type:        "string",
						Description: "Shape to draw.",
						Enum:        []string{"rect", "circle", "line", "text", "clear"},
					},
					"params": {
						Type:        "object",
						Description: "Shape parameters. rect: x,y,width,height. circle: x,y,radius. line: x1,y1,x2,y2. text: x,y,text. All accept color.",
						Properties: map[string]*Schema{
							"x":      number("Left/center x in percent."),
							"y":      number("Top/center y in percent."),
							"width":  number("Rectangle width in percent."),
							"height": number("Rectangle height in percent."),
							"radius": number("Circle radius in percent of board width."),
							"x1":     number("Line start x in percent."),
							"y1":     number("Line start y in percent."),
							"x2":     number("Line end x in percent."),
							"y2":     number("Line end y in percent."),
							"text":   str("Text to write."),
							"color":  str("CSS color name or hex, e.g. red or #2563eb."),
						},
					},
				},
				Required: []string{"action"},
			},
		},
		{
			Name:        ShowLearningMaterial,
			Description: "Show (or hide) a learning card with a title, short content and an optional illustration.",
			Parameters: &Schema{
				Type: "object",
				Properties: map[string]*Schema{
					"action":      {Type: "string", Enum: []string{"show", "hide"}, Description: "show replaces the current card; hide removes it."},
					"title":       str("Card title."),
					"content":     str("Card body, a few sentences or bullet points."),
					"imageUrl":    str("Existing image URL to display, if any."),
					"imagePrompt": str("Prompt for generating an illustration when no imageUrl is given."),
				},
				Required: []string{"action"},
			},
		},
	}
}
