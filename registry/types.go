// Package registry enthält die Logik für die Interaktion mit der
// ClinicalTrials.gov API v2.
package registry

// SearchResponse repräsentiert eine Ergebnisseite des /studies-Endpunkts.
type SearchResponse struct {
	Studies       []Study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
	TotalCount    int     `json:"totalCount"`
}

// Study repräsentiert einen einzelnen Roh-Datensatz der Registry.
type Study struct {
	ProtocolSection ProtocolSection `json:"protocolSection"`
	DocumentSection DocumentSection `json:"documentSection"`
	HasResults      bool            `json:"hasResults"`
}

// ProtocolSection bündelt die Metadaten-Module einer Studie.
type ProtocolSection struct {
	IdentificationModule struct {
		NCTID         string `json:"nctId"`
		OfficialTitle string `json:"officialTitle"`
		BriefTitle    string `json:"briefTitle"`
	} `json:"identificationModule"`

	StatusModule struct {
		OverallStatus  string     `json:"overallStatus"`
		StartDateInfo  DateStruct `json:"startDateStruct"`
		CompletionInfo DateStruct `json:"completionDateStruct"`
	} `json:"statusModule"`

	SponsorCollaboratorsModule struct {
		LeadSponsor struct {
			Name  string `json:"name"`
			Class string `json:"class"`
		} `json:"leadSponsor"`
	} `json:"sponsorCollaboratorsModule"`

	DesignModule struct {
		StudyType      string   `json:"studyType"`
		Phases         []string `json:"phases"`
		EnrollmentInfo struct {
			Count *int `json:"count"`
		} `json:"enrollmentInfo"`
	} `json:"designModule"`

	ConditionsModule struct {
		Conditions []string `json:"conditions"`
	} `json:"conditionsModule"`

	ArmsInterventionsModule struct {
		Interventions []Intervention `json:"interventions"`
	} `json:"armsInterventionsModule"`
}

// DateStruct repräsentiert ein (potenziell partielles) Registry-Datum.
type DateStruct struct {
	Date string `json:"date"` // "2006", "2006-01" oder "2006-01-02"
	Type string `json:"type"`
}

// Intervention repräsentiert eine Intervention aus dem Arms-Modul.
type Intervention struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// DocumentSection enthält die Verweise auf Studien-Dokumente (Protokolle, SAPs).
type DocumentSection struct {
	LargeDocumentModule struct {
		LargeDocs []LargeDoc `json:"largeDocs"`
	} `json:"largeDocumentModule"`
}

// LargeDoc repräsentiert ein einzelnes bereitgestelltes Dokument.
type LargeDoc struct {
	TypeAbbrev  string `json:"typeAbbrev"`
	Label       string `json:"label"`
	Filename    string `json:"filename"`
	HasProtocol bool   `json:"hasProtocol"`
	HasSAP      bool   `json:"hasSap"`
	HasICF      bool   `json:"hasIcf"`
}
