package server

import (
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"

	"github.com/Aman-CERP/pdindex/internal/store"
)

// Attachment names of the exports.
const (
	ParticipantListFile  = "directory-participant-list.xml"
	BusinessEntitiesFile = "directory-business-entities.xml"
)

var exportRoot = xml.StartElement{Name: xml.Name{Local: "root"}}

// exportXML streams one element per live participant inside <root>.
// Headers are sent before the first document is read, so a store error
// midway truncates the document rather than changing the status.
func (s *Server) exportXML(w http.ResponseWriter, r *http.Request, filename string, element func(*store.ParticipantDocument) any) {
	if _, ok := s.verify(w, r); !ok {
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := writeExport(w, func(enc *xml.Encoder) error {
		return s.directory.ForEach(r.Context(), func(doc *store.ParticipantDocument) error {
			v := element(doc)
			if v == nil {
				return nil
			}
			return enc.Encode(v)
		})
	}); err != nil {
		s.logger.Error("export failed",
			slog.String("file", filename),
			slog.String("error", err.Error()))
	}
}

func writeExport(w io.Writer, body func(enc *xml.Encoder) error) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.EncodeToken(exportRoot); err != nil {
		return err
	}
	if err := body(enc); err != nil {
		return err
	}
	if err := enc.EncodeToken(exportRoot.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

type participantItem struct {
	XMLName xml.Name `xml:"item"`
	ID      string   `xml:",chardata"`
}

func (s *Server) handleExportParticipants(w http.ResponseWriter, r *http.Request) {
	s.exportXML(w, r, ParticipantListFile, func(doc *store.ParticipantDocument) any {
		return participantItem{ID: doc.ParticipantID}
	})
}

func (s *Server) handleExportBusinessCards(w http.ResponseWriter, r *http.Request) {
	s.exportXML(w, r, BusinessEntitiesFile, func(doc *store.ParticipantDocument) any {
		if doc.Card == nil {
			return nil
		}
		return doc.Card
	})
}
