package czi_reader

import "testing"

func TestParseScaling(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		x, y, z  float64
		fromMeta bool
	}{
		{
			name: "x and y",
			doc: `<Metadata><Scaling><Items>` +
				`<Distance Id="X"><Value>1e-06</Value></Distance>` +
				`<Distance Id="Y"><Value>2e-06</Value></Distance>` +
				`</Items></Scaling></Metadata>`,
			x: 1.0, y: 0.5, z: 1.0, fromMeta: true,
		},
		{
			name: "y falls back to x",
			doc:  `<Metadata><Distance Id="X"><Value>5e-07</Value></Distance></Metadata>`,
			x: 2.0, y: 2.0, z: 1.0, fromMeta: true,
		},
		{
			name: "z present",
			doc: `<Metadata>` +
				`<Distance Id="X"><Value>1e-06</Value></Distance>` +
				`<Distance Id="Z"><Value>2.5e-06</Value></Distance>` +
				`</Metadata>`,
			x: 1.0, y: 1.0, z: 0.4, fromMeta: true,
		},
		{
			name: "first distance wins",
			doc: `<Metadata>` +
				`<Distance Id="X"><Value>1e-06</Value></Distance>` +
				`<Distance Id="X"><Value>9e-06</Value></Distance>` +
				`</Metadata>`,
			x: 1.0, y: 1.0, z: 1.0, fromMeta: true,
		},
		{
			name: "missing x means default",
			doc:  `<Metadata><Distance Id="Y"><Value>1e-06</Value></Distance></Metadata>`,
			x: 1.0, y: 1.0, z: 1.0, fromMeta: false,
		},
		{
			name: "non-positive x means default",
			doc:  `<Metadata><Distance Id="X"><Value>0</Value></Distance></Metadata>`,
			x: 1.0, y: 1.0, z: 1.0, fromMeta: false,
		},
		{
			name: "garbage value ignored",
			doc:  `<Metadata><Distance Id="X"><Value>banana</Value></Distance></Metadata>`,
			x: 1.0, y: 1.0, z: 1.0, fromMeta: false,
		},
		{
			name: "empty document",
			doc:  ``,
			x: 1.0, y: 1.0, z: 1.0, fromMeta: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := parseScaling([]byte(tc.doc))
			if res.FromMetadata != tc.fromMeta {
				t.Errorf("FromMetadata = %v, want %v", res.FromMetadata, tc.fromMeta)
			}
			if res.XPerMicron != tc.x || res.YPerMicron != tc.y || res.ZPerMicron != tc.z {
				t.Errorf("got %g/%g/%g px per micron, want %g/%g/%g",
					res.XPerMicron, res.YPerMicron, res.ZPerMicron, tc.x, tc.y, tc.z)
			}
		})
	}
}

func TestBuildDims(t *testing.T) {
	tests := []struct {
		name    string
		letters map[string]bool
		want    string
	}{
		{"plain", map[string]bool{}, "YX"},
		{"scene and channel", map[string]bool{"S": true, "C": true}, "SCYX"},
		{"mosaic stack", map[string]bool{"M": true, "Z": true, "C": true, "T": true}, "MTCZYX"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := buildDims(tc.letters); got != tc.want {
				t.Errorf("buildDims = %q, want %q", got, tc.want)
			}
		})
	}
}
