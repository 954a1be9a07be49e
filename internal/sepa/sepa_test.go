package sepa

import (
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIBAN(t *testing.T) {
	valid := []string{"DE89370400440532013000", "de89 3704 0044 0532 0130 00", "NL91ABNA0417164300", "BE68539007547034"}
	for _, iban := range valid {
		assert.True(t, ValidateIBAN(iban), iban)
	}
	invalid := []string{"", "DE88370400440532013000", "DE8937040044053201300", "XX89370400440532013000", "NL91ABNA04171643!0"}
	for _, iban := range invalid {
		assert.False(t, ValidateIBAN(iban), iban)
	}
}

func TestValidateBIC(t *testing.T) {
	assert.True(t, ValidateBIC("COBADEFF"))
	assert.True(t, ValidateBIC("cobadeffxxx"))
	assert.False(t, ValidateBIC("COBADEF"))
	assert.False(t, ValidateBIC("12BADEFFXXX"))
}

func TestMaskIBAN(t *testing.T) {
	assert.Equal(t, "DE89**************3000", MaskIBAN("DE89 3704 0044 0532 0130 00"))
	assert.Equal(t, "****", MaskIBAN("DE89"))
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "Muller + Sohne GmbH", SanitizeText("Müller & Söhne  GmbH", 70))
	assert.Equal(t, "Strasse", SanitizeText("Straße", 70))
	assert.Equal(t, "abc", SanitizeText("abcdef", 3))
	assert.Equal(t, "", SanitizeText("€€", 70))
}

func testDocument() Document {
	collection := time.Date(2024, time.January, 17, 0, 0, 0, 0, time.UTC)
	signed := time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC)
	tx := func(id, amount, seq string) Transaction {
		return Transaction{
			EndToEndID:      id,
			Amount:          decimal.RequireFromString(amount),
			Currency:        "EUR",
			CollectionDate:  collection,
			SequenceType:    seq,
			MandateID:       "REF-" + id,
			MandateSignedAt: signed,
			DebtorName:      "Jan Jansen",
			DebtorIBAN:      "DE89370400440532013000",
			DebtorBIC:       "COBADEFFXXX",
			Remittance:      "Membership dues 2024-01",
		}
	}
	return Document{
		MessageID: "MSG-20240110-0001",
		CreatedAt: time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC),
		Creditor: Creditor{
			Name:       "Vereniging Test",
			IBAN:       "NL91ABNA0417164300",
			BIC:        "ABNANL2A",
			CreditorID: "NL98ZZZ999999999999",
		},
		Transactions: []Transaction{
			tx("E2E-1", "25.00", "FRST"),
			tx("E2E-2", "12.50", "RCUR"),
			tx("E2E-3", "7.25", "RCUR"),
		},
	}
}

func TestRenderRoundTrip(t *testing.T) {
	doc := testDocument()
	xml, err := Render(doc)
	require.NoError(t, err)

	parsed, err := ParseMessage(xml)
	require.NoError(t, err)
	assert.Equal(t, doc.MessageID, parsed.MessageID)
	assert.Equal(t, 3, parsed.NumberOfTxs)
	assert.Equal(t, "44.75", parsed.ControlSum.StringFixed(2))
	assert.True(t, parsed.Total().Equal(parsed.ControlSum))
	assert.Equal(t, 2, parsed.PaymentInfoCount)
	assert.Equal(t, map[string]string{"E2E-1": "FRST", "E2E-2": "RCUR", "E2E-3": "RCUR"}, parsed.SequenceByTxID)
	assert.Equal(t, "7.25", parsed.Amounts["E2E-3"].StringFixed(2))
}

func TestRenderStructure(t *testing.T) {
	xml, err := Render(testDocument())
	require.NoError(t, err)

	x := etree.NewDocument()
	require.NoError(t, x.ReadFromBytes(xml))
	root := x.Root()
	assert.Equal(t, "Document", root.Tag)
	assert.Equal(t, Namespace, root.SelectAttrValue("xmlns", ""))

	pmts := x.FindElements("//PmtInf")
	require.Len(t, pmts, 2)
	first := pmts[0]
	assert.Equal(t, "FRST", first.FindElement("./PmtTpInf/SeqTp").Text())
	assert.Equal(t, "CORE", first.FindElement("./PmtTpInf/LclInstrm/Cd").Text())
	assert.Equal(t, "2024-01-17", first.FindElement("./ReqdColltnDt").Text())
	assert.Equal(t, "25.00", first.FindElement("./CtrlSum").Text())
	assert.Equal(t, "NL98ZZZ999999999999", first.FindElement("./CdtrSchmeId/Id/PrvtId/Othr/Id").Text())

	amt := first.FindElement("./DrctDbtTxInf/InstdAmt")
	assert.Equal(t, "EUR", amt.SelectAttrValue("Ccy", ""))
	assert.Equal(t, "REF-E2E-1", first.FindElement("./DrctDbtTxInf/DrctDbtTx/MndtRltdInf/MndtId").Text())
	assert.Equal(t, "2023-12-01", first.FindElement("./DrctDbtTxInf/DrctDbtTx/MndtRltdInf/DtOfSgntr").Text())
}

func TestRenderWithoutDebtorBIC(t *testing.T) {
	doc := testDocument()
	doc.Transactions = doc.Transactions[:1]
	doc.Transactions[0].DebtorBIC = ""

	xml, err := Render(doc)
	require.NoError(t, err)
	assert.Contains(t, string(xml), "NOTPROVIDED")
}

func TestValidateCollectsLineErrors(t *testing.T) {
	doc := testDocument()
	doc.Transactions[0].DebtorIBAN = "DE88370400440532013000"
	doc.Transactions[1].Amount = decimal.RequireFromString("1.005")

	_, err := Render(doc)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, verr.Header)
	require.Len(t, verr.Lines, 2)
	assert.Equal(t, "E2E-1", verr.Lines[0].EndToEndID)
	assert.Contains(t, verr.Lines[0].Reason, "checksum")
	assert.Equal(t, "E2E-2", verr.Lines[1].EndToEndID)
	assert.Contains(t, verr.Lines[1].Reason, "two decimals")
}

func TestValidateHeader(t *testing.T) {
	doc := testDocument()
	doc.MessageID = strings.Repeat("M", 36)
	doc.Creditor.IBAN = "NL00ABNA0417164300"
	doc.Transactions = nil

	err := Validate(doc)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Header, 3)
}

const statusReport = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pain.002.001.03">
  <CstmrPmtStsRpt>
    <GrpHdr><MsgId>STS-1</MsgId></GrpHdr>
    <OrgnlGrpInfAndSts>
      <OrgnlMsgId>MSG-20240110-0001</OrgnlMsgId>
      <OrgnlMsgNmId>pain.008.001.02</OrgnlMsgNmId>
      <GrpSts>PART</GrpSts>
    </OrgnlGrpInfAndSts>
    <OrgnlPmtInfAndSts>
      <TxInfAndSts>
        <OrgnlEndToEndId>E2E-1</OrgnlEndToEndId>
        <TxSts>ACSC</TxSts>
      </TxInfAndSts>
      <TxInfAndSts>
        <OrgnlEndToEndId>E2E-2</OrgnlEndToEndId>
        <TxSts>RJCT</TxSts>
        <StsRsnInf><Rsn><Cd>AM04</Cd></Rsn></StsRsnInf>
      </TxInfAndSts>
    </OrgnlPmtInfAndSts>
  </CstmrPmtStsRpt>
</Document>`

func TestParseStatusReport(t *testing.T) {
	r, err := ParseStatusReport([]byte(statusReport))
	require.NoError(t, err)
	assert.Equal(t, "MSG-20240110-0001", r.MessageID)
	assert.False(t, r.Rejected)
	require.Len(t, r.Lines, 2)
	assert.False(t, r.Lines[0].Returned)
	assert.True(t, r.Lines[1].Returned)
	assert.Equal(t, "AM04", r.Lines[1].ReturnCode)
}

func TestParseRejectedMessage(t *testing.T) {
	data := `<Document><CstmrPmtStsRpt><OrgnlGrpInfAndSts>
		<OrgnlMsgId>MSG-2</OrgnlMsgId><GrpSts>RJCT</GrpSts>
		<StsRsnInf><Rsn><Cd>FF01</Cd></Rsn><AddtlInf>Invalid file format</AddtlInf></StsRsnInf>
	</OrgnlGrpInfAndSts></CstmrPmtStsRpt></Document>`

	r, err := ParseStatusReport([]byte(data))
	require.NoError(t, err)
	assert.True(t, r.Rejected)
	assert.Equal(t, "FF01", r.RejectionCode)
	assert.Equal(t, "Message rejected by bank (FF01): Invalid file format", r.RejectionReason)
	assert.Empty(t, r.Lines)
}

func TestParseStatusReports(t *testing.T) {
	data := `<Reports>
		<Document><CstmrPmtStsRpt><OrgnlGrpInfAndSts><OrgnlMsgId>MSG-1</OrgnlMsgId></OrgnlGrpInfAndSts></CstmrPmtStsRpt></Document>
		<Document><CstmrPmtStsRpt><OrgnlGrpInfAndSts><OrgnlMsgId>MSG-2</OrgnlMsgId></OrgnlGrpInfAndSts></CstmrPmtStsRpt></Document>
	</Reports>`

	reports, err := ParseStatusReports([]byte(data))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "MSG-1", reports[0].MessageID)
	assert.Equal(t, "MSG-2", reports[1].MessageID)
}

func TestParseStatusReportErrors(t *testing.T) {
	_, err := ParseStatusReport([]byte("not xml <"))
	assert.Error(t, err)

	_, err = ParseStatusReport([]byte(`<Document><Other/></Document>`))
	assert.Error(t, err)

	_, err = ParseStatusReport([]byte(`<Document><CstmrPmtStsRpt><OrgnlGrpInfAndSts/></CstmrPmtStsRpt></Document>`))
	assert.Error(t, err)
}
