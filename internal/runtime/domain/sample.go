package domain

// SampleEquipmentEventJSON is the static equipment event served by
// GET /api/v1/events.
const SampleEquipmentEventJSON = `{
  "eventClassifierCode": "EST",
  "eventDateTime": "2019-11-12T07:41:00+08:30",
  "equipmentEventTypeCode": "LOAD",
  "equipmentReference": "APZU4812090",
  "ISOEquipmentCode": "22GP",
  "emptyIndicatorCode": "LADEN",
  "isTransshipmentMove": true,
  "transportCall": {
    "transportCallReference": "987e4567",
    "modeOfTransport": "VESSEL",
    "location": {
      "locationType": "UNLO",
      "locationName": "Port of Amsterdam",
      "UNLocationCode": "NLRAM"
    },
    "portVisitReference": "NLRTM1234589",
    "carrierServiceCode": "FE1",
    "universalServiceReference": "SR12345A",
    "carrierExportVoyageNumber": "2103S",
    "universalExportVoyageReference": "2103N",
    "carrierImportVoyageNumber": "2103N",
    "universalImportVoyageReference": "2103N",
    "transportCallSequenceNumber": 2,
    "facilityTypeCode": "POTE",
    "vessel": {
      "vesselIMONumber": "9321483",
      "name": "King of the Seas",
      "flag": "NL",
      "callSign": "NCVV",
      "operatorCarrierCode": "MAEU",
      "operatorCarrierCodeListProvider": "NMFTA"
    }
  },
  "relatedDocumentReferences": [
    {"type": "BKG", "value": "ABC123059"},
    {"type": "TRD", "value": "85943567"}
  ],
  "references": [
    {"type": "EQ", "value": "APZU4812090"}
  ],
  "seals": [
    {"number": "133534", "source": "CUS", "type": "WIR"}
  ]
}`
