// Package metadata generates update notices for a composed repository and
// injects them, plus package tags, into each architecture's repodata.
package metadata

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/cordum/masher/core/catalog"
)

const (
	defaultFrom   = "updates@fedoraproject.org"
	defaultBugURL = "https://bugzilla.redhat.com/show_bug.cgi?id=%d"
)

type updateInfoDoc struct {
	XMLName xml.Name      `xml:"updates"`
	Updates []updateEntry `xml:"update"`
}

type updateEntry struct {
	From        string       `xml:"from,attr"`
	Status      string       `xml:"status,attr"`
	Type        string       `xml:"type,attr"`
	Version     string       `xml:"version,attr"`
	ID          string       `xml:"id"`
	Title       string       `xml:"title"`
	Release     string       `xml:"release"`
	Issued      dateAttr     `xml:"issued"`
	Description string       `xml:"description"`
	References  []reference  `xml:"references>reference"`
	Collection  pkgCollected `xml:"pkglist>collection"`
}

type dateAttr struct {
	Date string `xml:"date,attr"`
}

type reference struct {
	Href  string `xml:"href,attr"`
	ID    string `xml:"id,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr,omitempty"`
}

type pkgCollected struct {
	Short    string     `xml:"short,attr"`
	Name     string     `xml:"name"`
	Packages []pkgEntry `xml:"package"`
}

type pkgEntry struct {
	Name     string `xml:"name,attr"`
	Version  string `xml:"version,attr"`
	Release  string `xml:"release,attr"`
	Epoch    string `xml:"epoch,attr"`
	Arch     string `xml:"arch,attr"`
	Filename string `xml:"filename"`
}

// renderUpdateInfo builds updateinfo.xml for the pushed updates.
func renderUpdateInfo(rel *catalog.Release, req catalog.Request, updates []*catalog.Update, bugURL string, now time.Time) ([]byte, error) {
	doc := updateInfoDoc{}
	for _, upd := range updates {
		entry := updateEntry{
			From:        defaultFrom,
			Status:      string(req),
			Type:        string(upd.Type),
			Version:     "2.0",
			ID:          upd.Title,
			Title:       upd.Title,
			Release:     rel.LongName,
			Issued:      dateAttr{Date: now.UTC().Format("2006-01-02 15:04:05")},
			Description: upd.Notes,
			Collection:  pkgCollected{Short: rel.Name, Name: rel.LongName},
		}
		for _, bug := range upd.Bugs {
			entry.References = append(entry.References, reference{
				Href: fmt.Sprintf(bugURL, bug),
				ID:   strconv.Itoa(bug),
				Type: "bugzilla",
			})
		}
		for _, build := range upd.Builds {
			name, version, release, err := catalog.SplitNVR(build.NVR)
			if err != nil {
				return nil, err
			}
			entry.Collection.Packages = append(entry.Collection.Packages, pkgEntry{
				Name:     name,
				Version:  version,
				Release:  release,
				Epoch:    "0",
				Arch:     "src",
				Filename: build.NVR + ".src.rpm",
			})
		}
		doc.Updates = append(doc.Updates, entry)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode updateinfo: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
