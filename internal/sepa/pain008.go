package sepa

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
)

const (
	Namespace      = "urn:iso:std:iso:20022:tech:xsd:pain.008.001.02"
	schemaLocation = "urn:iso:std:iso:20022:tech:xsd:pain.008.001.02 pain.008.001.02.xsd"

	maxIDLength         = 35
	maxNameLength       = 70
	maxRemittanceLength = 140
	localInstrument     = "CORE"
)

var maxInstructedAmount = decimal.RequireFromString("999999999.99")

// Creditor is the collecting party.
type Creditor struct {
	Name       string
	IBAN       string
	BIC        string
	CreditorID string
}

// Transaction is one direct debit inside a message.
type Transaction struct {
	EndToEndID      string
	Amount          decimal.Decimal
	Currency        string
	CollectionDate  time.Time
	SequenceType    string
	MandateID       string
	MandateSignedAt time.Time
	DebtorName      string
	DebtorIBAN      string
	DebtorBIC       string
	Remittance      string
}

// Document is the input of Render.
type Document struct {
	MessageID    string
	CreatedAt    time.Time
	Creditor     Creditor
	Transactions []Transaction
}

// LineError describes why one transaction cannot be rendered.
type LineError struct {
	EndToEndID string
	Reason     string
}

// ValidationError lists every problem found in a document.
type ValidationError struct {
	Header []string
	Lines  []LineError
}

func (e *ValidationError) Error() string {
	parts := append([]string(nil), e.Header...)
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s: %s", l.EndToEndID, l.Reason))
	}
	return "sepa validation failed: " + strings.Join(parts, "; ")
}

// Validate checks the document against the pain.008 rules this generator relies on.
func Validate(doc Document) error {
	verr := &ValidationError{}

	if doc.MessageID == "" || len(doc.MessageID) > maxIDLength {
		verr.Header = append(verr.Header, "message id must be 1-35 characters")
	}
	if doc.Creditor.Name == "" {
		verr.Header = append(verr.Header, "creditor name is required")
	}
	if !ValidateIBAN(doc.Creditor.IBAN) {
		verr.Header = append(verr.Header, "creditor IBAN is invalid")
	}
	if !ValidateBIC(doc.Creditor.BIC) {
		verr.Header = append(verr.Header, "creditor BIC is invalid")
	}
	if doc.Creditor.CreditorID == "" || len(doc.Creditor.CreditorID) > maxIDLength {
		verr.Header = append(verr.Header, "creditor scheme id must be 1-35 characters")
	}
	if len(doc.Transactions) == 0 {
		verr.Header = append(verr.Header, "document has no transactions")
	}

	seen := make(map[string]struct{}, len(doc.Transactions))
	for _, tx := range doc.Transactions {
		if reason := validateTransaction(tx); reason != "" {
			verr.Lines = append(verr.Lines, LineError{EndToEndID: tx.EndToEndID, Reason: reason})
			continue
		}
		if _, dup := seen[tx.EndToEndID]; dup {
			verr.Lines = append(verr.Lines, LineError{EndToEndID: tx.EndToEndID, Reason: "duplicate end-to-end id"})
		}
		seen[tx.EndToEndID] = struct{}{}
	}

	if len(verr.Header) > 0 || len(verr.Lines) > 0 {
		return verr
	}
	return nil
}

func validateTransaction(tx Transaction) string {
	switch {
	case tx.EndToEndID == "" || len(tx.EndToEndID) > maxIDLength:
		return "end-to-end id must be 1-35 characters"
	case !tx.Amount.IsPositive():
		return "amount must be positive"
	case tx.Amount.GreaterThan(maxInstructedAmount):
		return "amount exceeds the scheme maximum"
	case !tx.Amount.Equal(tx.Amount.Round(2)):
		return "amount has more than two decimals"
	case tx.Currency != "EUR":
		return "only EUR can be collected"
	case tx.SequenceType != "FRST" && tx.SequenceType != "RCUR":
		return "unsupported sequence type " + tx.SequenceType
	case tx.MandateID == "" || len(tx.MandateID) > maxIDLength:
		return "mandate reference must be 1-35 characters"
	case tx.MandateSignedAt.IsZero():
		return "mandate signature date is missing"
	case strings.TrimSpace(SanitizeText(tx.DebtorName, maxNameLength)) == "":
		return "account holder name is missing"
	case !ValidateIBAN(tx.DebtorIBAN):
		return "debtor IBAN " + MaskIBAN(tx.DebtorIBAN) + " fails checksum"
	case tx.DebtorBIC != "" && !ValidateBIC(tx.DebtorBIC):
		return "debtor BIC is invalid"
	case tx.CollectionDate.IsZero():
		return "collection date is missing"
	}
	return ""
}

type groupKey struct {
	date string
	seq  string
}

// Render builds a pain.008.001.02 customer direct debit initiation message.
// Transactions are grouped into one payment information block per
// collection date and sequence type.
func Render(doc Document) ([]byte, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}

	groups := make(map[groupKey][]Transaction)
	for _, tx := range doc.Transactions {
		k := groupKey{date: tx.CollectionDate.Format("2006-01-02"), seq: tx.SequenceType}
		groups[k] = append(groups[k], tx)
	}
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return keys[i].seq < keys[j].seq
	})

	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := x.CreateElement("Document")
	root.CreateAttr("xmlns", Namespace)
	root.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	root.CreateAttr("xsi:schemaLocation", schemaLocation)
	initn := root.CreateElement("CstmrDrctDbtInitn")

	hdr := initn.CreateElement("GrpHdr")
	hdr.CreateElement("MsgId").SetText(doc.MessageID)
	hdr.CreateElement("CreDtTm").SetText(doc.CreatedAt.UTC().Format("2006-01-02T15:04:05"))
	hdr.CreateElement("NbOfTxs").SetText(fmt.Sprint(len(doc.Transactions)))
	hdr.CreateElement("CtrlSum").SetText(sum(doc.Transactions).StringFixed(2))
	hdr.CreateElement("InitgPty").CreateElement("Nm").SetText(SanitizeText(doc.Creditor.Name, maxNameLength))

	for i, k := range keys {
		writePaymentInfo(initn, doc, k, groups[k], i+1)
	}

	x.Indent(2)
	return x.WriteToBytes()
}

func writePaymentInfo(parent *etree.Element, doc Document, k groupKey, txs []Transaction, n int) {
	msg := doc.MessageID
	if len(msg) > 26 {
		msg = msg[:26]
	}

	pmt := parent.CreateElement("PmtInf")
	pmt.CreateElement("PmtInfId").SetText(fmt.Sprintf("%s-%s-%02d", msg, k.seq, n))
	pmt.CreateElement("PmtMtd").SetText("DD")
	pmt.CreateElement("BtchBookg").SetText("true")
	pmt.CreateElement("NbOfTxs").SetText(fmt.Sprint(len(txs)))
	pmt.CreateElement("CtrlSum").SetText(sum(txs).StringFixed(2))

	tp := pmt.CreateElement("PmtTpInf")
	tp.CreateElement("SvcLvl").CreateElement("Cd").SetText("SEPA")
	tp.CreateElement("LclInstrm").CreateElement("Cd").SetText(localInstrument)
	tp.CreateElement("SeqTp").SetText(k.seq)

	pmt.CreateElement("ReqdColltnDt").SetText(k.date)
	pmt.CreateElement("Cdtr").CreateElement("Nm").SetText(SanitizeText(doc.Creditor.Name, maxNameLength))
	pmt.CreateElement("CdtrAcct").CreateElement("Id").CreateElement("IBAN").SetText(NormalizeIBAN(doc.Creditor.IBAN))
	pmt.CreateElement("CdtrAgt").CreateElement("FinInstnId").CreateElement("BIC").SetText(strings.ToUpper(doc.Creditor.BIC))
	pmt.CreateElement("ChrgBr").SetText("SLEV")

	othr := pmt.CreateElement("CdtrSchmeId").CreateElement("Id").CreateElement("PrvtId").CreateElement("Othr")
	othr.CreateElement("Id").SetText(doc.Creditor.CreditorID)
	othr.CreateElement("SchmeNm").CreateElement("Prtry").SetText("SEPA")

	for _, tx := range txs {
		writeTransaction(pmt, tx)
	}
}

func writeTransaction(parent *etree.Element, tx Transaction) {
	inf := parent.CreateElement("DrctDbtTxInf")
	inf.CreateElement("PmtId").CreateElement("EndToEndId").SetText(tx.EndToEndID)

	amt := inf.CreateElement("InstdAmt")
	amt.CreateAttr("Ccy", tx.Currency)
	amt.SetText(tx.Amount.StringFixed(2))

	mndt := inf.CreateElement("DrctDbtTx").CreateElement("MndtRltdInf")
	mndt.CreateElement("MndtId").SetText(tx.MandateID)
	mndt.CreateElement("DtOfSgntr").SetText(tx.MandateSignedAt.Format("2006-01-02"))

	agt := inf.CreateElement("DbtrAgt").CreateElement("FinInstnId")
	if tx.DebtorBIC != "" {
		agt.CreateElement("BIC").SetText(strings.ToUpper(tx.DebtorBIC))
	} else {
		agt.CreateElement("Othr").CreateElement("Id").SetText("NOTPROVIDED")
	}

	inf.CreateElement("Dbtr").CreateElement("Nm").SetText(SanitizeText(tx.DebtorName, maxNameLength))
	inf.CreateElement("DbtrAcct").CreateElement("Id").CreateElement("IBAN").SetText(NormalizeIBAN(tx.DebtorIBAN))
	inf.CreateElement("RmtInf").CreateElement("Ustrd").SetText(SanitizeText(tx.Remittance, maxRemittanceLength))
}

func sum(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	return total
}

// ParsedMessage is what ParseMessage reads back from a rendered file.
type ParsedMessage struct {
	MessageID        string
	NumberOfTxs      int
	ControlSum       decimal.Decimal
	Amounts          map[string]decimal.Decimal
	SequenceByTxID   map[string]string
	PaymentInfoCount int
}

// ParseMessage re-reads a pain.008 file. It is used to verify that what was
// written matches the batch before the file leaves the system.
func ParseMessage(data []byte) (*ParsedMessage, error) {
	x := etree.NewDocument()
	if err := x.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	hdr := x.FindElement("//CstmrDrctDbtInitn/GrpHdr")
	if hdr == nil {
		return nil, fmt.Errorf("group header not found")
	}

	out := &ParsedMessage{
		Amounts:        make(map[string]decimal.Decimal),
		SequenceByTxID: make(map[string]string),
	}
	if el := hdr.FindElement("./MsgId"); el != nil {
		out.MessageID = el.Text()
	}
	if el := hdr.FindElement("./NbOfTxs"); el != nil {
		if _, err := fmt.Sscanf(el.Text(), "%d", &out.NumberOfTxs); err != nil {
			return nil, fmt.Errorf("invalid NbOfTxs %q", el.Text())
		}
	}
	if el := hdr.FindElement("./CtrlSum"); el != nil {
		v, err := decimal.NewFromString(el.Text())
		if err != nil {
			return nil, fmt.Errorf("invalid CtrlSum %q: %w", el.Text(), err)
		}
		out.ControlSum = v
	}

	pmts := x.FindElements("//CstmrDrctDbtInitn/PmtInf")
	out.PaymentInfoCount = len(pmts)
	for _, pmt := range pmts {
		seq := ""
		if el := pmt.FindElement("./PmtTpInf/SeqTp"); el != nil {
			seq = el.Text()
		}
		for _, inf := range pmt.SelectElements("DrctDbtTxInf") {
			idEl := inf.FindElement("./PmtId/EndToEndId")
			amtEl := inf.FindElement("./InstdAmt")
			if idEl == nil || amtEl == nil {
				return nil, fmt.Errorf("transaction without EndToEndId or InstdAmt")
			}
			amount, err := decimal.NewFromString(amtEl.Text())
			if err != nil {
				return nil, fmt.Errorf("invalid InstdAmt %q: %w", amtEl.Text(), err)
			}
			out.Amounts[idEl.Text()] = amount
			out.SequenceByTxID[idEl.Text()] = seq
		}
	}
	return out, nil
}

// Total sums the parsed transaction amounts.
func (m *ParsedMessage) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range m.Amounts {
		total = total.Add(a)
	}
	return total
}
